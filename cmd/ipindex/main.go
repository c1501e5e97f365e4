package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ipindex/config"
	"ipindex/dataset"
	"ipindex/logging"
	"ipindex/query"
	"ipindex/rangeindex"
	"ipindex/sqlstore"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// Dependency injection composition root
func main() {
	logger, _ := logging.NewLogger("info", os.Stderr)
	if err := newApp().Run(os.Args); err != nil {
		logger.Fatal().Err(err).Msg("ipindex failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ipindex",
		Usage: "build and query IP range indexes over geolocation and netblock exports",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"IPINDEX_CONFIG"}},
			&cli.StringFlag{Name: "loglevel", Usage: "one of: debug, info, warn, error, fatal, panic"},
			&cli.StringFlag{Name: "family", Aliases: []string{"f"}, Usage: "address family: ipv4 or ipv6"},
			&cli.StringFlag{Name: "index", Aliases: []string{"i"}, Usage: "index file path"},
			&cli.StringFlag{Name: "dataset", Aliases: []string{"d"}, Usage: "export layout: geolocation or netblock"},
			&cli.StringFlag{Name: "csv", Usage: "CSV export to build the index from"},
			&cli.IntFlag{Name: "workers", Usage: "lookup workers for bulk queries, 0 for one per CPU"},
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "build the index from the CSV export and save it",
				Action: buildAction,
			},
			{
				Name:      "query",
				Usage:     "look up one or more addresses",
				ArgsUsage: "ADDRESS...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "sql", Usage: "query the SQL range store instead of the index file"},
					&cli.StringFlag{Name: "dsn", Usage: "PostgreSQL DSN for --sql"},
				},
				Action: queryAction,
			},
			{
				Name:  "batch",
				Usage: "look up every address of a list, one per line, and write CSV to stdout",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Aliases: []string{"l"}, Value: "-", Usage: "address list, - for stdin"},
					&cli.StringFlag{Name: "results", Usage: "also append every lookup as JSON to this file"},
				},
				Action: batchAction,
			},
			{
				Name:      "scan",
				Usage:     "look up addresses by scanning the geolocation CSV, without an index",
				ArgsUsage: "ADDRESS...",
				Action:    scanAction,
			},
			{
				Name:  "export-sql",
				Usage: "copy the index into the SQL range store",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dsn", Usage: "PostgreSQL DSN"},
					&cli.IntFlag{Name: "batch-size", Usage: "rows per INSERT"},
				},
				Action: exportSQLAction,
			},
		},
	}
}

type env struct {
	cfg    config.Main
	logger zerolog.Logger
	fs     rangeindex.IndexFileSystem
}

func (e *env) source() query.Source {
	return query.Source{
		Family:        e.cfg.AddressFamily(),
		Kind:          e.cfg.DatasetKind(),
		IndexPath:     e.cfg.IndexPath,
		CSVPath:       e.cfg.CSVPath,
		ProgressEvery: e.cfg.ProgressEvery,
	}
}

// setup merges the config file, the environment and the command line, in increasing priority.
func setup(c *cli.Context) (e *env, err error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return
	}

	if c.IsSet("loglevel") {
		cfg.LogLevel = c.String("loglevel")
	}
	if c.IsSet("family") {
		cfg.Family = c.String("family")
	}
	if c.IsSet("index") {
		cfg.IndexPath = c.String("index")
	}
	if c.IsSet("dataset") {
		cfg.Dataset = c.String("dataset")
	}
	if c.IsSet("csv") {
		cfg.CSVPath = c.String("csv")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("dsn") {
		cfg.SQL.DSN = c.String("dsn")
	}
	if c.IsSet("batch-size") {
		cfg.SQL.BatchSize = c.Int("batch-size")
	}

	if err = cfg.Validate(); err != nil {
		return
	}

	logger, lerr := logging.NewLogger(cfg.LogLevel, c.App.ErrWriter)
	if lerr != nil {
		logger.Warn().Err(lerr).Str("loglevel", cfg.LogLevel).Msg("Unknown log level, using info")
	}

	e = &env{cfg: cfg, logger: logger, fs: rangeindex.NewIndexFileSystem()}
	return
}

func buildAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if e.cfg.CSVPath == "" {
		return fmt.Errorf("no CSV export given, set --csv or csv_path")
	}

	start := time.Now()
	idx, err := query.BuildIndex(e.logger, e.fs, e.source())
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Built %s %s index %s: %d records, %d segments in %s\n",
		e.cfg.AddressFamily(), e.cfg.DatasetKind(), e.cfg.IndexPath, idx.Len(), idx.Segments(), time.Since(start).Round(time.Millisecond))
	return nil
}

func queryAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() == 0 {
		return fmt.Errorf("no address given")
	}

	if c.Bool("sql") {
		return querySQL(c, e)
	}

	idx, err := query.LoadIndex(e.logger, e.fs, e.source())
	if err != nil {
		return err
	}

	svc := query.NewService(e.logger, idx, e.cfg.Workers)
	for _, addr := range c.Args().Slice() {
		printResult(c.App.Writer, addr, svc.Lookup(addr))
	}
	return nil
}

func querySQL(c *cli.Context, e *env) error {
	if e.cfg.SQL.DSN == "" {
		return fmt.Errorf("no SQL DSN given, set --dsn or sql.dsn")
	}
	store, err := sqlstore.Open(e.logger, e.cfg.SQL.DSN)
	if err != nil {
		return err
	}

	for _, addr := range c.Args().Slice() {
		res, err := store.Lookup(c.Context, e.cfg.AddressFamily(), addr)
		if err != nil {
			return err
		}
		printResult(c.App.Writer, addr, res)
	}
	return nil
}

func batchAction(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return
	}

	idx, err := query.LoadIndex(e.logger, e.fs, e.source())
	if err != nil {
		return
	}

	var in io.Reader = c.App.Reader
	if name := c.String("input"); name != "-" {
		f, oerr := os.Open(name)
		if oerr != nil {
			return oerr
		}
		defer f.Close()
		in = f
	}

	results := logging.NewZerologResultsLogger(e.logger)
	if path := c.String("results"); path != "" {
		if results, err = logging.NewFileResultsLogger(&logging.LogFileSystemImpl{}, path, e.logger); err != nil {
			return
		}
	}
	defer func() {
		if cerr := results.Close(); err == nil {
			err = cerr
		}
	}()

	svc := query.NewService(e.logger, idx, e.cfg.Workers)
	out := csv.NewWriter(c.App.Writer)
	header := append([]string{"address", "found", "start", "end"}, svc.Index().NotFound().Attributes.Keys()...)
	if err = out.Write(header); err != nil {
		return
	}

	start := time.Now()
	stats, err := svc.LookupReader(c.Context, in, func(m query.Match) error {
		results.LookupDone(m.Address, m.Result)
		row := append([]string{m.Address, fmt.Sprint(m.Found), m.StartAddr(), m.EndAddr()}, m.Attributes.Values()...)
		return out.Write(row)
	})
	out.Flush()
	if err != nil {
		return
	}
	if err = out.Error(); err != nil {
		return
	}

	e.logger.Info().
		Int("processed", stats.Processed).
		Int("matched", stats.Matched).
		Int("missed", stats.Missed).
		Int("skipped", stats.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("Bulk lookup finished")
	return
}

func scanAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if e.cfg.CSVPath == "" {
		return fmt.Errorf("no CSV export given, set --csv or csv_path")
	}
	if e.cfg.DatasetKind() != dataset.Geolocation {
		return fmt.Errorf("scan only supports geolocation exports")
	}

	for _, addr := range c.Args().Slice() {
		res, err := scanFile(e, addr)
		if err != nil {
			return err
		}
		printResult(c.App.Writer, addr, res)
	}
	return nil
}

func scanFile(e *env, addr string) (rangeindex.Result, error) {
	f, err := e.fs.Open(e.cfg.CSVPath)
	if err != nil {
		return rangeindex.Result{}, err
	}
	defer f.Close()
	return dataset.ScanGeolocation(f, e.cfg.AddressFamily(), addr)
}

func exportSQLAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if e.cfg.SQL.DSN == "" {
		return fmt.Errorf("no SQL DSN given, set --dsn or sql.dsn")
	}

	idx, err := query.LoadIndex(e.logger, e.fs, e.source())
	if err != nil {
		return err
	}

	store, err := sqlstore.Open(e.logger, e.cfg.SQL.DSN)
	if err != nil {
		return err
	}
	if err = store.Migrate(c.Context); err != nil {
		return err
	}

	n, err := store.Import(c.Context, idx, e.cfg.SQL.BatchSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Exported %d %s ranges\n", n, e.cfg.AddressFamily())
	return nil
}

func printResult(w io.Writer, addr string, res rangeindex.Result) {
	fmt.Fprintf(w, "address: %s\n", strings.TrimSpace(addr))
	switch {
	case res.Malformed:
		fmt.Fprintf(w, "found: false (not a valid %s address)\n", res.Family)
	case !res.Found:
		fmt.Fprintln(w, "found: false")
	default:
		fmt.Fprintln(w, "found: true")
		fmt.Fprintf(w, "range: %s - %s\n", res.StartAddr(), res.EndAddr())
		var cidrs []string
		for _, p := range res.Prefixes() {
			cidrs = append(cidrs, p.String())
		}
		fmt.Fprintf(w, "cidr: %s\n", strings.Join(cidrs, " "))
		fmt.Fprintf(w, "supernet: %s\n", res.SpanningPrefix())
	}

	values := res.Attributes.Values()
	for i, k := range res.Attributes.Keys() {
		fmt.Fprintf(w, "%s: %s\n", k, values[i])
	}
	fmt.Fprintln(w)
}
