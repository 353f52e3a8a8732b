package main

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/control"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var capture, wakeWord bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sandbox, coordinator and console contexts in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg := opts.cfg

			m := metrics.New()
			router := bridge.NewRouter(m)
			sp := newSandbox(router, cfg, m)
			defer func() {
				if err := sp.Close(); err != nil {
					logging.Warnw("sandbox: close failed", "err", err)
				}
			}()
			coord := newCoordinator(router, cfg, m)
			con := newConsole(router, cfg)
			ctl := control.NewServer(con, version)

			// The sandbox stops first so its last chunks still reach a
			// running coordinator.
			var sandboxWG, wg sync.WaitGroup
			downstream, stopDownstream := context.WithCancel(context.Background())
			defer stopDownstream()
			runActor(ctx, &sandboxWG, "sandbox", sp.sb.Run)
			runActor(downstream, &wg, "coordinator", coord.Run)
			runActor(downstream, &wg, "console", con.Run)
			serveHTTP(ctx, &wg, "control", cfg.Control.ListenAddr, ctl.Handler())
			serveHTTP(ctx, &wg, "metrics", cfg.Metrics.ListenAddr, m.Handler())

			if wakeWord {
				if err := con.StartWake(ctx); err != nil {
					logging.Warnw("run: wake phrase listener did not start", "err", err)
				}
			}
			if capture {
				if _, err := con.StartCapture(ctx); err != nil {
					logging.Warnw("run: capture did not start", "err", err)
				}
			}

			<-ctx.Done()
			ctl.Close()
			sandboxWG.Wait()
			stopDownstream()
			wg.Wait()
			logging.Infow("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&capture, "capture", false, "start capturing immediately")
	cmd.Flags().BoolVar(&wakeWord, "wake", false, "arm the wake phrase listener immediately")
	return cmd
}
