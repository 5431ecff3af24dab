package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

func setLocalPortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-local-port <port>",
		Short: "Set the host-side local service port",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse port %q: %w", args[0], err)
			}

			body, err := json.Marshal(struct {
				Port int `json:"port"`
			}{Port: port})
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}

			return postAndPrintStatus("/v1/local-port", body)
		},
	}
}

func setRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-role <host|client>",
		Short: "Set the daemon's host/client role",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := json.Marshal(struct {
				Role string `json:"role"`
			}{Role: args[0]})
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}

			return postAndPrintStatus("/v1/role", body)
		},
	}
}

func postAndPrintStatus(path string, body []byte) error {
	resp, err := httpClient.Post(controlURL(path), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, errBody.Error)
	}

	var st statusView
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	out, err := formatStatus(st, outputFormat)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
