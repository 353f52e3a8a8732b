package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/control"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/retry"
)

var linkBackoff = retry.Exponential{Base: 500 * time.Millisecond, Max: 10 * time.Second}

func newSandboxCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Run the capture context and link it to a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg := opts.cfg
			codec, err := bridge.CodecByName(cfg.Bridge.Codec)
			if err != nil {
				return err
			}

			m := metrics.New()
			router := bridge.NewRouter(m)
			sp := newSandbox(router, cfg, m)
			defer func() {
				if err := sp.Close(); err != nil {
					logging.Warnw("sandbox: close failed", "err", err)
				}
			}()

			var sandboxWG, wg sync.WaitGroup
			linkCtx, stopLink := context.WithCancel(context.Background())
			defer stopLink()
			runActor(ctx, &sandboxWG, "sandbox", sp.sb.Run)
			runActor(linkCtx, &wg, "bridge", func(ctx context.Context) error {
				return maintainLink(ctx, cfg.Bridge.CoordinatorURL, router, codec)
			})
			serveHTTP(ctx, &wg, "metrics", cfg.Metrics.ListenAddr, m.Handler())

			<-ctx.Done()
			sandboxWG.Wait()
			stopLink()
			wg.Wait()
			logging.Infow("shutdown complete")
			return nil
		},
	}
}

// maintainLink keeps the sandbox linked to the coordinator, redialing with
// backoff whenever the link drops.
func maintainLink(ctx context.Context, url string, router *bridge.Router, codec bridge.Codec) error {
	attempt := 0
	for {
		link, err := bridge.Dial(ctx, url, router, []bridge.Context{bridge.ContextSandbox}, codec)
		if err != nil {
			delay := linkBackoff.Delay(attempt)
			attempt++
			logging.Warnw("bridge: dial failed", "url", url, "attempt", attempt, "retry_in", delay.String(), "err", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0
		logging.Infow("bridge: linked", "url", url, "remote", link.Remote())
		select {
		case <-link.Done():
			logging.Warnw("bridge: link lost", "url", url, "err", link.Err())
		case <-ctx.Done():
			return link.Close()
		}
	}
}

func newCoordinatorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator and console contexts and accept a sandbox link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			cfg := opts.cfg
			codec, err := bridge.CodecByName(cfg.Bridge.Codec)
			if err != nil {
				return err
			}

			m := metrics.New()
			router := bridge.NewRouter(m)
			coord := newCoordinator(router, cfg, m)
			con := newConsole(router, cfg)
			ctl := control.NewServer(con, version)
			links := &linkSet{}

			mux := http.NewServeMux()
			mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
				link, err := bridge.Accept(w, r, router, []bridge.Context{bridge.ContextCoordinator, bridge.ContextUI}, codec)
				if err != nil {
					logging.Warnw("bridge: link rejected", "remote", r.RemoteAddr, "err", err)
					return
				}
				links.add(link)
				logging.Infow("bridge: sandbox linked", "remote", r.RemoteAddr, "contexts", link.Remote())
			})

			var wg sync.WaitGroup
			runActor(ctx, &wg, "coordinator", coord.Run)
			runActor(ctx, &wg, "console", con.Run)
			serveHTTP(ctx, &wg, "bridge", cfg.Bridge.ListenAddr, mux)
			serveHTTP(ctx, &wg, "control", cfg.Control.ListenAddr, ctl.Handler())
			serveHTTP(ctx, &wg, "metrics", cfg.Metrics.ListenAddr, m.Handler())

			<-ctx.Done()
			ctl.Close()
			links.closeAll()
			wg.Wait()
			logging.Infow("shutdown complete")
			return nil
		},
	}
}

// linkSet tracks accepted links so shutdown can close them; hijacked
// connections outlive http.Server.Shutdown.
type linkSet struct {
	mu    sync.Mutex
	links []*bridge.Link
}

func (s *linkSet) add(l *bridge.Link) {
	s.mu.Lock()
	s.links = append(s.links, l)
	s.mu.Unlock()
}

func (s *linkSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		_ = l.Close()
	}
	s.links = nil
}
