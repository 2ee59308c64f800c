package main

import "github.com/connyay/starlark-mcp/cmd"

func main() {
	cmd.Execute()
}
