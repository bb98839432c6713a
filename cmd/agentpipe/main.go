// Command agentpipe runs pipelines of containerized AI agents: it stores
// pipeline definitions and agents, executes pipelines, resumes them at
// human approval steps, and serves the same operations over MCP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
