package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	guuid "github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/app"
	"safeline/internal/config"
	"safeline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			a, err := app.Open(ctx, workspace, cfg, app.Options{LogOutput: os.Stderr})
			if err != nil {
				return err
			}
			defer a.Close()

			watchConfig(a)

			authCfg := server.AuthConfig{
				JWTSecret:        jwtSecret(cfg),
				AllowActorHeader: cfg.Server.AllowActorHeader,
				Logger:           a.Logger,
			}
			if authCfg.JWTSecret == "" {
				a.Logger.Warn("no jwt secret configured; only API keys authenticate")
			}
			handler, err := server.New(server.Config{Orchestrator: a.Orchestrator, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			esc := server.NewEscalator(a.Orchestrator.Escalate, cfg.Server.EscalateAfter, cfg.Server.EscalateEvery, a.Logger)
			go esc.Run(ctx)

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Safeline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// watchConfig reloads gate thresholds whenever safeline.yml changes on disk.
func watchConfig(a *app.App) {
	path := config.Path(a.Workspace)
	if _, err := os.Stat(path); err != nil {
		a.Logger.WithField("path", path).Info("no config file to watch; using defaults")
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		a.Logger.WithError(err).Warn("config watch disabled")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := config.FromFile(e.Name)
		if err != nil {
			a.Logger.WithError(err).Warn("ignoring invalid config change")
			return
		}
		if err := a.Reload(next); err != nil {
			a.Logger.WithError(err).Warn("config reload failed")
		}
	})
	v.WatchConfig()
}

// jwtSecret prefers SAFELINE_JWT_SECRET over server.jwt_secret.
func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func serverToken(secret, actor string, ttl time.Duration) (string, error) {
	return server.SignToken(secret, actor, ttl, time.Now())
}

func uuid() string { return guuid.NewString() }
