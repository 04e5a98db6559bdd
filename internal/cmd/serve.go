package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/actioncable"
	"github.com/chatwoot/chatsync/internal/outfmt"
)

// CablePath is where serve mounts the websocket change feed.
const CablePath = "/cable"

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listen         string
		maxConnections int
		origins        []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the change feed over websockets",
		Long: `Open the store and publish its change feed to websocket clients.

Clients subscribe with ActionCable-style frames on ` + CablePath + `. Point
"chatsync follow --feed-url" or CHATSYNC_FEED_URL at this address.`,
		Example: `  chatsync serve
  chatsync serve --listen 0.0.0.0:8787 --max-connections 1024`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := configFrom(ctx)
			if !cmd.Flags().Changed("listen") {
				listen = cfg.Listen
			}
			if !cmd.Flags().Changed("max-connections") {
				maxConnections = cfg.MaxConnections
			}

			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			cable := actioncable.NewServer(rt.store, int64(maxConnections), rt.logger)
			cable.OriginPatterns = origins
			mux := http.NewServeMux()
			mux.Handle(CablePath, cable)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = outfmt.WriteJSON(w, map[string]any{"status": "ok", "connections": cable.Active()}, true)
			})

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			srv := &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			feedURL := "ws://" + ln.Addr().String() + CablePath
			out := formatter(cmd)
			if ok, err := out.Record(map[string]any{"listen": ln.Addr().String(), "feed_url": feedURL}); ok {
				if err != nil {
					return err
				}
			} else {
				out.Println("Serving change feed on " + feedURL)
			}
			rt.logger.Info("feed server started", "addr", ln.Addr().String(), "max_connections", maxConnections)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				cable.Close()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			rt.logger.Info("feed server shutting down", "connections", cable.Active())
			// Websocket connections are hijacked, so Shutdown does not wait
			// for them; the cable server disconnects them itself.
			cable.Close()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (env CHATSYNC_LISTEN)")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum concurrent websocket connections (env CHATSYNC_MAX_CONNECTIONS)")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Allowed browser Origin host patterns (repeatable)")
	return cmd
}
