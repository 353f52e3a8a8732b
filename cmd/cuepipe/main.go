// Command cuepipe runs the voice capture pipeline.
//
// Usage:
//
//	cuepipe [flags] <command>
//
// Commands:
//
//	run          - every context in one process
//	sandbox      - the capture context, linked to a coordinator over websocket
//	coordinator  - the coordinator and console contexts, serving the bridge
//	ctl          - call a control tool on a running pipeline
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
