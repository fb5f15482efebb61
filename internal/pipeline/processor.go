package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/metrics"
)

// Options configures a Processor.
type Options struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Processor decodes frames on a pool of workers and writes the results to its
// sinks in batches.
type Processor struct {
	dec     *asterix.Decoder
	metrics *metrics.Metrics
	sinks   []Sink
	opts    Options
	log     *logrus.Entry
}

// New creates a Processor. m may be nil.
func New(dec *asterix.Decoder, m *metrics.Metrics, opts Options, sinks ...Sink) *Processor {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	return &Processor{
		dec:     dec,
		metrics: m,
		sinks:   sinks,
		opts:    opts,
		log:     logrus.WithField("component", "pipeline"),
	}
}

// Process decodes a single frame and records metrics.
func (p *Processor) Process(f *feed.Frame) Result {
	msg, err := p.dec.Decode(f.Data)
	if p.metrics != nil {
		p.metrics.Observe(len(f.Data), msg, err)
	}
	if err != nil {
		fields := logrus.Fields{
			"frame_id": f.ID,
			"source":   f.Source,
			"kind":     asterix.ErrorKind(err),
		}
		if msg != nil {
			fields["category"] = msg.Category
			fields["records"] = len(msg.Records)
		}
		p.log.WithFields(fields).WithError(err).Debug("decode failed")
	}
	return Result{Frame: f, Message: msg, Err: err}
}

// Run consumes frames until in is closed or ctx is cancelled. Pending results
// are flushed before Run returns.
func (p *Processor) Run(ctx context.Context, in <-chan *feed.Frame) error {
	results := make(chan Result, p.opts.BatchSize)

	workers, wctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		workers.Go(func() error {
			for {
				select {
				case <-wctx.Done():
					return nil
				case f, ok := <-in:
					if !ok {
						return nil
					}
					// The collector drains results until they are closed.
					results <- p.Process(f)
				}
			}
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.collect(ctx, results)
	}()

	err := workers.Wait()
	close(results)
	<-done
	return err
}

// collect batches results until the channel closes.
func (p *Processor) collect(ctx context.Context, results <-chan Result) {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Result, 0, p.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		p.Flush(ctx, batch)
		batch = make([]Result, 0, p.opts.BatchSize)
	}

	for {
		select {
		case r, ok := <-results:
			if !ok {
				// The run context may already be cancelled; give the final
				// batch its own deadline.
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				flush(fctx)
				cancel()
				return
			}
			batch = append(batch, r)
			if len(batch) >= p.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Flush writes a batch to every sink concurrently. Sink failures are logged
// and counted, never returned.
func (p *Processor) Flush(ctx context.Context, batch []Result) {
	var g errgroup.Group
	for _, s := range p.sinks {
		g.Go(func() error {
			if err := s.Write(ctx, batch); err != nil {
				p.log.WithFields(logrus.Fields{
					"sink":  s.Name(),
					"batch": len(batch),
				}).WithError(err).Warn("sink write failed")
				if p.metrics != nil {
					p.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
