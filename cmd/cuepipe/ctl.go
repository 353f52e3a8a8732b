package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cue-voice-lab/internal/control"
)

var ctlTools = []string{
	control.ToolStartCapture,
	control.ToolStopCapture,
	control.ToolStartWakeWord,
	control.ToolStopWakeWord,
	control.ToolStatus,
}

func newCtlCmd(opts *rootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:       "ctl <tool|tools>",
		Short:     "Call a control tool on a running pipeline",
		Long:      "Call a control tool on a running pipeline. Tools: " + strings.Join(ctlTools, ", ") + ". Use \"tools\" to list what the server offers.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append([]string{"tools"}, ctlTools...),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = "ws://" + opts.cfg.Control.ListenAddr + "/mcp/ws"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := control.NewClient("cuepipe-ctl", version)
			if err := client.ConnectWebSocket(ctx, url); err != nil {
				return fmt.Errorf("connect %s: %w", url, err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			if args[0] == "tools" {
				names, err := client.Tools(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
				return nil
			}
			text, err := client.Call(ctx, args[0], nil)
			if text != "" {
				fmt.Fprintln(out, text)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "control server websocket URL (default from control.listen_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "overall call timeout")
	return cmd
}
