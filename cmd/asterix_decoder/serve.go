package main

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"asterix_decoder/internal/api"
	"asterix_decoder/internal/metrics"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/state"
	"asterix_decoder/internal/storage"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		Long: "serve runs the decoder REST API:\n\n" +
			"  GET  /api/v1/health\n" +
			"  POST /api/v1/decode            body: raw bytes, {\"hex\": ...} or hex text\n" +
			"  GET  /api/v1/categories\n" +
			"  GET  /api/v1/categories/{cat}\n" +
			"  GET  /api/v1/sources?active=5m  (with --state)\n" +
			"  GET  /api/v1/messages           (with --archive)\n" +
			"  GET  /api/v1/messages/{frame_id}\n" +
			"  GET  /api/v1/messages/stats\n" +
			"  GET  /api/v1/messages/feeds\n" +
			"  GET  /metrics\n\n" +
			"With authentication enabled, requests carry an API key in X-API-Key,\n" +
			"Authorization: Bearer <key> or ?api_key=<key>.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), serveOpts)
		},
	}

	serveOpts serveOptions
)

type serveOptions struct {
	Port    int
	Auth    bool
	APIKeys string
	State   string
	Archive string
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&serveOpts.Port, "port", 0, "HTTP port (default: api.port)")
	f.BoolVar(&serveOpts.Auth, "auth", false, "enable API key authentication")
	f.StringVar(&serveOpts.APIKeys, "api-keys", "", "comma-separated list of valid API keys")
	f.StringVar(&serveOpts.State, "state", "", "SQLite data source state written by listen (default: state.path)")
	f.StringVar(&serveOpts.Archive, "archive", "", "SQLite message archive to browse (default: storage.archive)")
}

func serve(ctx context.Context, opts serveOptions) error {
	ac := cfg.API
	if opts.Port != 0 {
		ac.Port = opts.Port
	}
	if opts.Auth {
		ac.AuthEnabled = true
	}
	if opts.APIKeys != "" {
		ac.APIKeys = nil
		for _, k := range strings.Split(opts.APIKeys, ",") {
			ac.APIKeys = append(ac.APIKeys, strings.TrimSpace(k))
		}
	}
	if opts.State == "" {
		opts.State = cfg.State.Path
	}
	if opts.Archive == "" {
		opts.Archive = cfg.Storage.Archive
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	srv := api.NewServer(registry.Default(), ac).WithMetrics(m, prometheus.DefaultGatherer)

	if opts.State != "" {
		tracker, err := state.NewTracker(opts.State)
		if err != nil {
			return err
		}
		defer tracker.Close()
		srv.WithSources(tracker)
	}
	if opts.Archive != "" {
		a, err := storage.OpenArchive(opts.Archive)
		if err != nil {
			return err
		}
		defer a.Close()
		srv.WithArchive(a)
	}

	return srv.Run(ctx)
}
