package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"asterix_decoder/internal/asterix"
	"asterix_decoder/internal/feed"
	"asterix_decoder/internal/metrics"
	"asterix_decoder/internal/pipeline"
	"asterix_decoder/internal/registry"
	"asterix_decoder/internal/storage"
)

const archiveBatch = 500

var (
	extractCmd = &cobra.Command{
		Use:   "extract",
		Short: "Decode a JSONL capture",
		Long: "extract reads one frame per line (feed wrapper, {\"hex\": ...}, nested decoder\n" +
			"logs or bare hex) and writes the decoded messages as a JSON array.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return extract(cmd.Context(), extractOpts)
		},
	}

	extractOpts extractOptions
)

type extractOptions struct {
	Input       string
	Output      string
	Pretty      bool
	All         bool
	Stats       bool
	Archive     string
	Pushgateway string
}

// ExtractStats counts what an extract run did.
type ExtractStats struct {
	Input   *feed.Stats
	Emitted int
	Records int
	Failed  int
}

func init() {
	f := extractCmd.Flags()
	f.StringVar(&extractOpts.Input, "input", "", "input JSONL file (default: stdin)")
	f.StringVar(&extractOpts.Output, "output", "", "output JSON file (default: stdout)")
	f.BoolVar(&extractOpts.Pretty, "pretty", false, "pretty-print JSON output")
	f.BoolVar(&extractOpts.All, "all", false, "include frames that failed to decode")
	f.BoolVar(&extractOpts.Stats, "stats", false, "print counters to stderr")
	f.StringVar(&extractOpts.Archive, "archive", "", "also archive every frame to this SQLite file")
	f.StringVar(&extractOpts.Pushgateway, "pushgateway", "", "push run metrics to this Prometheus Pushgateway")
}

func extract(ctx context.Context, opts extractOptions) error {
	var r io.Reader = os.Stdin
	if opts.Input != "" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var sinks []pipeline.Sink
	if opts.Archive != "" {
		a, err := storage.OpenArchive(opts.Archive)
		if err != nil {
			return err
		}
		defer a.Close()
		sinks = append(sinks, pipeline.ArchiveSink{A: a})
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	p := pipeline.New(asterix.NewDecoder(registry.Default()), m, pipeline.Options{BatchSize: archiveBatch}, sinks...)
	out, st, err := decodeLines(ctx, p, r, opts.All, sinks)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc, err := marshalJSON(out, opts.Pretty)
	if err != nil {
		return fmt.Errorf("JSON encode: %w", err)
	}
	if _, err := w.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if opts.Stats {
		fmt.Fprintf(os.Stderr,
			"stats: lines=%d frames=%d (wrapper=%d flat=%d nested=%d hex=%d) skipped=%d emitted=%d records=%d failed=%d\n",
			st.Input.Lines, st.Input.Frames,
			st.Input.ByKind[feed.KindWrapper], st.Input.ByKind[feed.KindFlat], st.Input.ByKind[feed.KindNested], st.Input.ByKind[feed.KindHex],
			st.Input.Skipped, st.Emitted, st.Records, st.Failed,
		)
	}

	if opts.Pushgateway != "" {
		if err := m.Push(opts.Pushgateway, cfg.Metrics.Job); err != nil {
			logrus.WithError(err).Warn("pushgateway")
		}
	}
	return nil
}

// decodeLines decodes every frame of r in input order. Results are handed to
// sinks in batches; failed frames are kept in the output only when all is set.
func decodeLines(ctx context.Context, p *pipeline.Processor, r io.Reader, all bool, sinks []pipeline.Sink) ([]pipeline.Decoded, *ExtractStats, error) {
	out := make([]pipeline.Decoded, 0, 1024)
	st := &ExtractStats{}

	var batch []pipeline.Result
	flush := func() {
		if len(batch) > 0 && len(sinks) > 0 {
			p.Flush(ctx, batch)
		}
		batch = batch[:0]
	}

	in, err := feed.ReadLines(r, func(f *feed.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := p.Process(f)
		st.Records += len(res.Records())
		if res.Err != nil {
			st.Failed++
		}
		if res.Err == nil || all {
			out = append(out, res.Decoded())
			st.Emitted++
		}

		batch = append(batch, res)
		if len(batch) >= archiveBatch {
			flush()
		}
		return nil
	})
	st.Input = in
	if err != nil {
		return nil, st, err
	}
	flush()
	return out, st, nil
}
