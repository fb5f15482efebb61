package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"asterix_decoder/internal/storage"
)

var (
	initDBCmd = &cobra.Command{
		Use:   "init-db",
		Short: "Create the ClickHouse and PostgreSQL schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := storage.Open(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.CreateSchemas(ctx); err != nil {
				return err
			}
			logrus.Info("schemas created")
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show stored totals",
		Long: "stats prints per-category totals and recently seen data sources from\n" +
			"PostgreSQL, record counts from ClickHouse and archive counters.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStats(cmd.Context(), cmd.OutOrStdout(), statsOpts)
		},
	}

	recordsCmd = &cobra.Command{
		Use:   "records",
		Short: "Query records stored in ClickHouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return queryRecords(cmd.Context(), cmd.OutOrStdout())
		},
	}

	nameSourceCmd = &cobra.Command{
		Use:   "name-source CAT SAC SIC NAME",
		Short: "Label a data source in PostgreSQL",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return nameSource(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}

	statsOpts   statsOptions
	recordsOpts recordsOptions
)

type statsOptions struct {
	Postgres   bool
	ClickHouse bool
	Archive    string
	Since      time.Duration
}

type recordsOptions struct {
	Category int
	SAC      int
	SIC      int
	Item     string
	Since    time.Duration
	Limit    int
}

func init() {
	f := statsCmd.Flags()
	f.BoolVar(&statsOpts.Postgres, "postgres", false, "read category totals and data sources from PostgreSQL")
	f.BoolVar(&statsOpts.ClickHouse, "clickhouse", false, "count records in ClickHouse")
	f.StringVar(&statsOpts.Archive, "archive", "", "SQLite archive file")
	f.DurationVar(&statsOpts.Since, "since", 24*time.Hour, "list data sources seen within this window")

	f = recordsCmd.Flags()
	f.IntVar(&recordsOpts.Category, "category", -1, "category filter")
	f.IntVar(&recordsOpts.SAC, "sac", -1, "SAC filter")
	f.IntVar(&recordsOpts.SIC, "sic", -1, "SIC filter")
	f.StringVar(&recordsOpts.Item, "item", "", "only records carrying this item")
	f.DurationVar(&recordsOpts.Since, "since", time.Hour, "time window")
	f.IntVar(&recordsOpts.Limit, "limit", 100, "max records")

	rootCmd.AddCommand(initDBCmd, statsCmd, recordsCmd, nameSourceCmd)
}

func showStats(ctx context.Context, w io.Writer, opts statsOptions) error {
	if !opts.Postgres && !opts.ClickHouse && opts.Archive == "" {
		opts.Archive = cfg.Storage.Archive
	}

	db := &storage.DB{}
	defer db.Close()
	if opts.Postgres {
		pg, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		db.PG = pg
	}
	if opts.ClickHouse {
		ch, err := storage.OpenClickHouse(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if db.PG != nil {
		stats, err := db.PG.ListCategoryStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "CAT\tMESSAGES\tRECORDS\tERRORS\tUPDATED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%03d\t%d\t%d\t%d\t%s\n", s.Category, s.Messages, s.Records, s.Errors, s.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(tw)

		sources, err := db.PG.ListSources(ctx, time.Now().Add(-opts.Since))
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "CAT\tSAC\tSIC\tNAME\tFEED\tRECORDS\tLAST SEEN")
		for _, s := range sources {
			fmt.Fprintf(tw, "%03d\t%d\t%d\t%s\t%s\t%d\t%s\n", s.Category, s.SAC, s.SIC, s.Name, s.LastFeed, s.RecordCount, s.LastSeen.Format(time.RFC3339))
		}
		fmt.Fprintln(tw)
	}

	if db.CH != nil {
		total, err := db.CH.Count(ctx)
		if err != nil {
			return err
		}
		counts, err := db.CH.CountByCategory(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "clickhouse records\t%d\n", total)
		for cat, n := range counts {
			fmt.Fprintf(tw, "  cat %03d\t%d\n", cat, n)
		}
		fmt.Fprintln(tw)
	}

	if opts.Archive != "" {
		a, err := storage.OpenArchive(opts.Archive)
		if err != nil {
			return err
		}
		defer a.Close()
		st, err := a.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "archive messages\t%d\n", st.TotalMessages)
		fmt.Fprintf(tw, "archive records\t%d\n", st.TotalRecords)
		fmt.Fprintf(tw, "archive failed\t%d\n", st.Failed)
		for kind, n := range st.ByErrorKind {
			fmt.Fprintf(tw, "  %s\t%d\n", kind, n)
		}
	}
	return nil
}

func queryRecords(ctx context.Context, w io.Writer) error {
	ch, err := storage.OpenClickHouse(ctx, cfg.Storage.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	defer ch.Close()

	p := storage.CHQueryParams{
		Item:      recordsOpts.Item,
		Since:     time.Now().Add(-recordsOpts.Since),
		Limit:     recordsOpts.Limit,
		OrderDesc: true,
	}
	if recordsOpts.Category >= 0 {
		p.Category = &recordsOpts.Category
	}
	if recordsOpts.SAC >= 0 {
		p.SAC = &recordsOpts.SAC
	}
	if recordsOpts.SIC >= 0 {
		p.SIC = &recordsOpts.SIC
	}

	records, err := ch.Query(ctx, p)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range records {
		out := map[string]any{
			"frame_id": r.FrameID,
			"received": r.Received,
			"source":   r.Source,
			"category": r.Category,
			"index":    r.Index,
			"record":   json.RawMessage(r.DecodedJSON),
		}
		if r.SAC >= 0 {
			out["sac"], out["sic"] = r.SAC, r.SIC
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func nameSource(ctx context.Context, w io.Writer, args []string) error {
	var ids [3]int
	for i := range ids {
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return fmt.Errorf("invalid number %q", args[i])
		}
		ids[i] = n
	}

	pg, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pg.Close()

	if err := pg.SetSourceName(ctx, ids[0], ids[1], ids[2], args[3]); err != nil {
		return err
	}
	s, err := pg.GetSource(ctx, ids[0], ids[1], ids[2])
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(s)
}
