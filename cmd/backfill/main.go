// Command backfill runs one pipeline pass for a single data date and writes
// the resulting datasets as <level>-history.json files, plus one
// state/<ST>-history.json file per state for the county level. Sources
// default to the service configuration and may be local files.
//
// Usage:
//
//	go run ./cmd/backfill \
//	  -date 2020-12-15 \
//	  -out data/history \
//	  -usafacts-cases data/raw/covid_confirmed_usafacts.csv \
//	  -usafacts-deaths data/raw/covid_deaths_usafacts.csv \
//	  -levels county,state,usa
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/crrw-etl/internal/adapter/source"
	"github.com/couchcryptid/crrw-etl/internal/adapter/store"
	"github.com/couchcryptid/crrw-etl/internal/config"
	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/couchcryptid/crrw-etl/internal/observability"
	"github.com/couchcryptid/crrw-etl/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	date := flag.String("date", "", "data date to produce, YYYY-MM-DD (default: yesterday)")
	out := flag.String("out", "data/history", "output directory for history files")
	levels := flag.String("levels", "", "comma-separated levels (default: LEVELS)")
	force := flag.Bool("force", false, "skip the check that every source carries the date")
	indent := flag.Bool("indent", false, "write indented JSON")
	storePath := flag.String("store", "", "also load the histories into this store file")
	flag.StringVar(&cfg.USAFactsCasesURL, "usafacts-cases", cfg.USAFactsCasesURL, "USAFacts confirmed cases file or URL")
	flag.StringVar(&cfg.USAFactsDeathsURL, "usafacts-deaths", cfg.USAFactsDeathsURL, "USAFacts deaths file or URL")
	flag.StringVar(&cfg.JHUCasesURL, "jhu-cases", cfg.JHUCasesURL, "JHU global confirmed cases file or URL")
	flag.StringVar(&cfg.JHUDeathsURL, "jhu-deaths", cfg.JHUDeathsURL, "JHU global deaths file or URL")
	flag.StringVar(&cfg.ReferenceDir, "reference-dir", cfg.ReferenceDir, "directory of population and geo reference files")
	flag.Parse()

	parseDate := pipeline.ParseDate(time.Now())
	if *date != "" {
		parseDate, err = time.Parse(domain.DateLayout, *date)
		if err != nil {
			return fmt.Errorf("invalid -date: %w", err)
		}
	}
	if *levels != "" {
		cfg.Levels = nil
		for _, part := range strings.Split(*levels, ",") {
			l, err := domain.ParseLevel(part)
			if err != nil {
				return fmt.Errorf("invalid -levels: %w", err)
			}
			cfg.Levels = append(cfg.Levels, l)
		}
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	loaders := []pipeline.NamedLoader{{Name: "file", Loader: jsonfile.NewWriter(*out, *indent, logger)}}
	opts := []pipeline.Option{pipeline.WithLevels(cfg.Levels)}
	if *storePath != "" {
		st, err := store.Open(*storePath, store.DefaultConfig(), logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		loaders = append(loaders, pipeline.NamedLoader{Name: "store", Loader: st})
		opts = append(opts, pipeline.WithCheckpoint(st))
	}

	fetcher := source.NewFetcher(cfg.FetchTimeout, cfg.FetchRetries, logger)
	src := source.New(fetcher, source.Locations{
		USAFactsCases:  cfg.USAFactsCasesURL,
		USAFactsDeaths: cfg.USAFactsDeathsURL,
		JHUCases:       cfg.JHUCasesURL,
		JHUDeaths:      cfg.JHUDeathsURL,
		ReferenceDir:   cfg.ReferenceDir,
	}, cfg.Levels, logger, metrics)

	p := pipeline.New(src, pipeline.NewTransformer(logger), loaders, logger, metrics, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := p.RunOnce(ctx, parseDate, *force)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", parseDate.Format(domain.DateLayout), err)
	}
	if !res.Updated {
		for _, d := range res.Detections {
			fmt.Fprintf(os.Stderr, "  %-20s latest %s\n", d.Source, d.LatestDate)
		}
		return fmt.Errorf("sources do not carry %s yet, rerun with -force to use the latest data", res.Date)
	}

	for _, level := range cfg.Levels {
		fmt.Printf("%-8s %6d regions  %s\n", level, res.Regions[level], jsonfile.LevelPath(*out, level))
	}
	fmt.Printf("run %s wrote data date %s\n", res.RunID, res.Date)
	return nil
}
