package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// statusView is the CLI-facing shape of GET /v1/status.
type statusView struct {
	OverlayUp bool   `json:"overlay_up"`
	Role      string `json:"role"`
	LocalPort int    `json:"local_port"`
	FlowCount int    `json:"flow_count"`
}

func formatStatus(s statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal status to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Overlay Up:\t%v\n", s.OverlayUp)
		fmt.Fprintf(w, "Role:\t%s\n", s.Role)
		fmt.Fprintf(w, "Local Port:\t%d\n", s.LocalPort)
		fmt.Fprintf(w, "Active Flows:\t%d\n", s.FlowCount)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
