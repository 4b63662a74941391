package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"docvoice/connections"
	"docvoice/core"
	"docvoice/factories"
	"docvoice/server"
	"docvoice/sessions"
	"docvoice/supervisor"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	settings string
	port     int
	mode     string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and voice pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.settings, "settings", "", "settings file (.json, .yaml); defaults to $SETTINGS_FILE")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port; overrides settings and $PORT")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "transport mode: webrtc or daily")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	factories.LoadEnvFiles(core.GetLogger(), ".env.local", ".env")

	settings, err := factories.LoadSettings(opts.settings, os.Getenv, func(c *factories.SettingsConfig) {
		if opts.port > 0 {
			c.Server.Port = opts.port
		}
		if opts.mode != "" {
			c.Server.Mode = opts.mode
		}
	})
	if err != nil {
		return err
	}
	level, _ := core.ParseLogLevel(settings.Server.LogLevel)
	core.SetLogger(core.NewDevelopmentLogger(level))
	logger := core.GetLogger()
	logger.With(settings.Summary()).Info("settings loaded")

	tr, err := factories.BuildTransport(settings, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	pipeline := factories.NewPipelineBuilder(settings.Session, httpClient)
	if err := pipeline.Ready(); err != nil {
		logger.Warn("calls are disabled until credentials are configured", "error", err)
	}

	docs, err := factories.BuildDocumentStore(ctx, settings.Documents, logger)
	if err != nil {
		logger.Warn("document uploads are disabled", "error", err)
	}

	store := sessions.NewStore()
	conns := connections.NewManager(tr.Negotiator, settings.ICEServers, logger)
	sup := supervisor.New(store, pipeline, conns, settings.Supervisor, logger)
	conns.SetCallStarter(sup.CallStarter())
	if docs != nil {
		sup.OnDocumentReleased(func(ref sessions.DocumentRef) {
			if ref.Name == "" {
				return
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := docs.Release(releaseCtx, ref.Name); err != nil {
				logger.Warn("could not release document", "name", ref.Name, "error", err)
			}
		})
	}

	deps := server.Deps{
		Sessions:    store,
		Connections: conns,
		Calls:       sup,
		Pipeline:    pipeline,
		Relay:       tr.Relay,
	}
	if docs != nil {
		deps.Documents = docs
	}
	api := server.New(server.Config{
		Mode:           settings.Server.Mode,
		MaxUploadBytes: settings.Server.MaxUploadBytes,
		AllowedOrigins: settings.Server.AllowedOrigins,
	}, deps, logger)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(settings.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "mode", settings.Server.Mode)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			sup.CancelAll()
			conns.CloseAll()
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "calls", sup.Count(), "connections", conns.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sup.CancelAll()
	if err := sup.Wait(shutdownCtx); err != nil {
		logger.Warn("calls still running at exit", "calls", sup.Count(), "error", err)
	}
	conns.CloseAll()
	return nil
}
