package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"price-spooler/feed"
	"price-spooler/server"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: price-spooler <command> [flags]

commands:
  run    --supplier NAME [--input LOCATOR] [--profiles SUBSTR]   run the pipeline once
  inbox  [--once=false --poll-interval 5m]                       process supplier inbox files
  serve  [--addr :8080]                                          start the HTTP trigger`)
}

type commonFlags struct {
	suppliers    string
	profilesFile string
	tempDir      string
	debug        bool
	timeout      time.Duration
	parallel     int
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.suppliers, "suppliers", "", "Supplier registry YAML (overrides PRICEFEED_SUPPLIERS).")
	fs.StringVar(&c.profilesFile, "profiles-file", "", "Profile catalog YAML (overrides PRICEFEED_PROFILES).")
	fs.StringVar(&c.tempDir, "temp-dir", "", "Scratch directory root (overrides PRICEFEED_TEMP_DIR).")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logs.")
	fs.DurationVar(&c.timeout, "timeout", 0, "Timeout for one run (overrides RUN_TIMEOUT).")
	fs.IntVar(&c.parallel, "parallel", 0, "Profiles priced concurrently (overrides RUN_PARALLELISM).")
}

// merge applies only the flags the user actually set.
func (c *commonFlags) merge(fs *flag.FlagSet, s *feed.Settings) {
	visited := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})
	if visited["suppliers"] {
		s.SuppliersPath = c.suppliers
	}
	if visited["profiles-file"] {
		s.ProfilesPath = c.profilesFile
	}
	if visited["temp-dir"] {
		s.TempDir = c.tempDir
	}
	if visited["timeout"] {
		s.RunTimeout = c.timeout
	}
	if visited["parallel"] {
		s.Parallelism = c.parallel
	}
	if c.debug {
		s.LogLevel = "debug"
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	_ = godotenv.Load()

	settings, err := feed.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var common commonFlags
	common.register(fs)

	var (
		supplier     string
		input        string
		profileSub   string
		once         bool
		pollInterval time.Duration
		addr         string
		deleteAfter  = true
	)
	switch cmd {
	case "run":
		fs.StringVar(&supplier, "supplier", "", "Supplier name from the registry.")
		fs.StringVar(&input, "input", "", "Input locator (local path, ftp://, ftps://); defaults to the supplier's input.")
		fs.StringVar(&profileSub, "profiles", "", "Only run profiles whose name contains this substring.")
	case "inbox":
		fs.BoolVar(&once, "once", true, "Scan once and exit (default true for crontab).")
		fs.DurationVar(&pollInterval, "poll-interval", 5*time.Minute, "Polling interval when running with --once=false.")
		fs.BoolVar(&deleteAfter, "delete-after-run", true, "Delete inbox files once every profile published.")
	case "serve":
		fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides HTTP_ADDR).")
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	_ = fs.Parse(args)
	common.merge(fs, settings)
	if addr != "" {
		settings.HTTPAddr = addr
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := feed.NewLogger(settings.LogLevel, settings.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := buildRunner(ctx, settings, common.debug, deleteAfter, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init runner")
	}
	defer runner.Close()

	switch cmd {
	case "run":
		if strings.TrimSpace(supplier) == "" {
			fmt.Fprintln(os.Stderr, "missing supplier (use --supplier)")
			os.Exit(2)
		}
		report, err := runner.Run(ctx, feed.RunRequest{Supplier: supplier, Locator: input, ProfileFilter: profileSub})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if err != nil {
			log.Error().Err(err).Msg("run failed")
			os.Exit(1)
		}
		if report.Failed() > 0 {
			os.Exit(3)
		}

	case "inbox":
		for {
			stats, err := runner.RunInbox(ctx)
			if err != nil {
				if once {
					log.Fatal().Err(err).Msg("inbox")
				}
				log.Error().Err(err).Msg("inbox scan error")
			} else {
				log.Info().Int("seen", stats.FilesSeen).Int("skipped", stats.FilesSkipped).
					Int("runs", stats.Runs).Int("runs_failed", stats.RunsFailed).
					Int("deleted", stats.FilesDeleted).Int("quarantined", stats.FilesQuarantined).
					Msg("inbox scan done")
			}
			if once {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}

	case "serve":
		srv := server.New(runner, log)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.Start(settings.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}
}

func buildRunner(ctx context.Context, s *feed.Settings, debug bool, deleteAfter bool, log zerolog.Logger) (*feed.Runner, error) {
	state, err := feed.OpenStateDB(s.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	var store feed.ObjectStore
	switch s.Storage.Backend {
	case "s3":
		store, err = feed.NewS3Store(ctx, s.Storage)
	default:
		store, err = feed.NewFSStore(s.Storage.FSRoot, s.Storage.PublicBase)
	}
	if err != nil {
		return nil, err
	}

	var source feed.RateSource = feed.NewNBUSource(s.FX.URL, s.FX.Timeout)
	if s.FX.RedisURL != "" {
		client, err := feed.NewRedisClient(ctx, s.FX.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("fx cache disabled")
		} else {
			source = &feed.CachedSource{Next: source, Client: client, TTL: s.FX.CacheTTL, Log: log}
		}
	}

	deps := feed.Deps{
		State: state,
		Store: store,
		Rates: &feed.LiveRateProvider{Source: source, Log: log},
		Log:   log,
	}
	if s.FTP.Host != "" {
		deps.Fetcher = &feed.FTPFetcher{
			Host:     s.FTP.Host,
			User:     s.FTP.User,
			Password: s.FTP.Password,
			Timeout:  s.FTP.Timeout,
			Log:      log,
		}
	}
	if s.CatalogDSN != "" {
		db, err := feed.OpenCatalogDB(s.CatalogDSN)
		if err != nil {
			return nil, fmt.Errorf("open catalog db: %w", err)
		}
		deps.Catalog = feed.NewCatalogWriter(db)
	}

	return feed.NewRunner(feed.RunnerConfig{
		SuppliersPath:  s.SuppliersPath,
		ProfilesPath:   s.ProfilesPath,
		TempDir:        s.TempDir,
		Debug:          debug,
		Timeout:        s.RunTimeout,
		Parallelism:    s.Parallelism,
		DeleteAfterRun: deleteAfter,
	}, deps)
}
