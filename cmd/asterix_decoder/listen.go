package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"asterix_decoder/internal/api"
	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/metrics"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/state"
	"asterix_decoder/internal/storage"
)

var (
	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Decode a live feed",
		Long: "listen decodes frames received on UDP and/or a NATS subject and writes the\n" +
			"results to every enabled sink until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listen(cmd.Context(), listenOpts)
		},
	}

	listenOpts listenOptions
)

type listenOptions struct {
	UDP        string
	NATS       bool
	Encoding   string
	ClickHouse bool
	Postgres   bool
	Influx     bool
	Mongo      bool
	Archive    string
	Publish    string
	State      string
	API        bool
	StaleAfter time.Duration
}

func init() {
	f := listenCmd.Flags()
	f.StringVar(&listenOpts.UDP, "udp", "", "UDP listen address, e.g. :8600 (default: udp.listen)")
	f.BoolVar(&listenOpts.NATS, "nats", false, "subscribe to nats.subject on nats.url")
	f.StringVar(&listenOpts.Encoding, "encoding", "", "NATS payload encoding: auto, binary, hex or json (default: nats.encoding)")
	f.BoolVar(&listenOpts.ClickHouse, "clickhouse", false, "store records in ClickHouse")
	f.BoolVar(&listenOpts.Postgres, "postgres", false, "keep data sources and category totals in PostgreSQL")
	f.BoolVar(&listenOpts.Influx, "influx", false, "write records as InfluxDB points")
	f.BoolVar(&listenOpts.Mongo, "mongo", false, "store records as MongoDB documents")
	f.StringVar(&listenOpts.Archive, "archive", "", "SQLite archive file (default: storage.archive)")
	f.StringVar(&listenOpts.Publish, "publish", "", "NATS subject prefix for decoded output (default: nats.publish)")
	f.StringVar(&listenOpts.State, "state", "", "SQLite file for data source state (default: state.path)")
	f.BoolVar(&listenOpts.API, "api", false, "serve the REST API alongside")
	f.DurationVar(&listenOpts.StaleAfter, "stale-after", 24*time.Hour, "forget data sources silent for this long")
}

// closers runs cleanups in reverse order.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func listen(ctx context.Context, opts listenOptions) error {
	if opts.UDP == "" {
		opts.UDP = cfg.UDP.Listen
	}
	if opts.Archive == "" {
		opts.Archive = cfg.Storage.Archive
	}
	if opts.Publish == "" {
		opts.Publish = cfg.NATS.Publish
	}
	if opts.State == "" {
		opts.State = cfg.State.Path
	}
	if opts.Encoding == "" {
		opts.Encoding = cfg.NATS.Encoding
	}

	var cleanup closers
	defer cleanup.run()

	var sources []feed.Source
	if opts.UDP != "" {
		sources = append(sources, feed.NewUDPSource(opts.UDP))
	}
	if opts.NATS {
		src, err := feed.NewNATSSource(feed.NATSOptions{
			URL:      cfg.NATS.URL,
			Subject:  cfg.NATS.Subject,
			Queue:    cfg.NATS.Queue,
			Encoding: feed.Encoding(opts.Encoding),
		})
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return errors.New("no input: use --udp or --nats")
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	tracker, err := state.NewTracker(opts.State)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = tracker.Close() })
	tracker.OnSourceNew(func(s *state.SourceState) {
		logrus.WithFields(logrus.Fields{
			"category": s.Category,
			"sac":      s.SAC,
			"sic":      s.SIC,
			"feed":     s.Feed,
		}).Info("new data source")
	})

	trackerSink := &pipeline.TrackerSink{Tracker: tracker, FlushEvery: cfg.State.FlushInterval}
	sinks, archive, err := openSinks(ctx, opts, trackerSink, &cleanup)
	if err != nil {
		return err
	}

	p := pipeline.New(asterix.NewDecoder(registry.Default()), m, cfg.Pipeline, sinks...)
	frames := make(chan *feed.Frame, cfg.Pipeline.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSources(gctx, sources, frames)
	})
	g.Go(func() error {
		return p.Run(gctx, frames)
	})
	g.Go(func() error {
		housekeeping(gctx, tracker, m, opts.StaleAfter)
		return nil
	})
	if opts.API {
		srv := api.NewServer(registry.Default(), cfg.API).
			WithSources(tracker).
			WithMetrics(m, prometheus.DefaultGatherer)
		if archive != nil {
			srv.WithArchive(archive)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	logrus.WithFields(logrus.Fields{
		"sources":    len(sources),
		"sinks":      len(sinks),
		"categories": registry.Default().Len(),
		"workers":    cfg.Pipeline.Workers,
	}).Info("decoder running")

	err = g.Wait()

	if trackerSink.Store != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, ferr := tracker.Flush(fctx, trackerSink.Store); ferr != nil {
			logrus.WithError(ferr).Warn("final data source flush")
		} else {
			logrus.WithField("sources", n).Info("data sources flushed")
		}
		cancel()
	}
	pushMetrics(m)
	return err
}

// runSources runs every source until ctx is done or one of them fails, which
// stops the others. frames is closed once all sources have returned.
func runSources(ctx context.Context, sources []feed.Source, frames chan<- *feed.Frame) error {
	defer close(frames)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		log := logrus.WithField("source", s.Name())
		log.Info("source started")
		g.Go(func() error {
			if err := s.Run(gctx, frames); err != nil {
				log.WithError(err).Error("source failed")
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// openSinks connects every enabled sink. The tracker sink is always first.
// The archive is returned as well when enabled.
func openSinks(ctx context.Context, opts listenOptions, trackerSink *pipeline.TrackerSink, cleanup *closers) ([]pipeline.Sink, *storage.Archive, error) {
	sinks := []pipeline.Sink{trackerSink}
	var archive *storage.Archive
	sc := cfg.Storage

	if opts.ClickHouse {
		ch, err := storage.OpenClickHouse(ctx, sc.ClickHouse)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse: %w", err)
		}
		*cleanup = append(*cleanup, func() { _ = ch.Close() })
		if err := ch.CreateSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		sinks = append(sinks, pipeline.RecordSink{W: ch})
	}

	if opts.Postgres {
		pg, err := storage.OpenPostgres(ctx, sc.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		*cleanup = append(*cleanup, pg.Close)
		if err := pg.CreateSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		trackerSink.Store = pg
		sinks = append(sinks, pipeline.StatsSink{W: pg})
	}

	if opts.Influx {
		w, err := storage.OpenInflux(ctx, sc.Influx)
		if err != nil {
			return nil, nil, fmt.Errorf("influx: %w", err)
		}
		*cleanup = append(*cleanup, w.Close)
		sinks = append(sinks, pipeline.RecordSink{W: w})
	}

	if opts.Mongo {
		s, err := storage.OpenMongo(ctx, sc.Mongo)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		*cleanup = append(*cleanup, func() { _ = s.Close(context.Background()) })
		sinks = append(sinks, pipeline.RecordSink{W: s})
	}

	if opts.Archive != "" {
		a, err := storage.OpenArchive(opts.Archive)
		if err != nil {
			return nil, nil, err
		}
		*cleanup = append(*cleanup, func() { _ = a.Close() })
		sinks = append(sinks, pipeline.ArchiveSink{A: a})
		archive = a
	}

	if opts.Publish != "" {
		pub, err := pipeline.NewNATSPublisher(cfg.NATS.URL, opts.Publish)
		if err != nil {
			return nil, nil, err
		}
		*cleanup = append(*cleanup, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	for _, s := range sinks {
		logrus.WithField("sink", s.Name()).Debug("sink enabled")
	}
	return sinks, archive, nil
}

// housekeeping refreshes the source gauge, drops stale sources and pushes
// metrics until ctx is done.
func housekeeping(ctx context.Context, tracker *state.Tracker, m *metrics.Metrics, staleAfter time.Duration) {
	every := cfg.State.FlushInterval
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if staleAfter > 0 {
				if n := tracker.CleanupStale(staleAfter); n > 0 {
					logrus.WithField("removed", n).Info("stale data sources removed")
				}
			}
			st := tracker.GetStats()
			m.ActiveSources.Set(float64(st.Sources))
			logrus.WithFields(logrus.Fields{
				"sources":  st.Sources,
				"records":  st.Records,
				"unsynced": st.UnsyncedCount,
			}).Debug("tracker")
			pushMetrics(m)
		}
	}
}

func pushMetrics(m *metrics.Metrics) {
	if cfg.Metrics.Pushgateway == "" {
		return
	}
	if err := m.Push(cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
		logrus.WithError(err).Warn("pushgateway")
	}
}
