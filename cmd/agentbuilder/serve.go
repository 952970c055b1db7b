package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agent_builder/internal/httpapi"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent, run and chat HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := openRuntime(ctx, cfg, "")
			if err != nil {
				return err
			}
			defer rt.Close()

			api := httpapi.New(rt.store, rt.runner, rt.chat, httpapi.Options{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				UserID:         cfg.Server.UserID,
			}, rt.logger)
			server := &http.Server{
				Addr:              firstNonEmpty(addr, cfg.Server.Addr, "127.0.0.1:8787"),
				Handler:           api.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			banner("api server")
			info.Printf("  listening on http://%s\n", server.Addr)
			rt.logger.Info("agentbuilder listening",
				zap.String("addr", server.Addr),
				zap.String("store", cfg.Store.Driver),
			)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	return cmd
}
