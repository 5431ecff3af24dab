// tunnelctl -- CLI client for the tunneld control API.
package main

import "github.com/wanglonggod/ConnectTool12/cmd/tunnelctl/commands"

func main() {
	commands.Execute()
}
