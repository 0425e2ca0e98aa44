package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"viewsical/internal/config"
	"viewsical/internal/ics"
	appLog "viewsical/internal/log"
	"viewsical/internal/source"
	"viewsical/internal/view"
	"viewsical/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
	outDir     string
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		appLog.Error("viewsical failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig) error {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", flags.envFile, err)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}

	env, err := config.LoadEnv(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	env.Apply(conf)

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	appLog.Setup(os.Stderr, level, conf.LogFormat)
	appLog.Info("viewsical starting", "version", version)

	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"views", len(conf.Views),
		"once", flags.once,
	)
	if len(conf.Views) == 0 {
		appLog.Warn("no views configured", "config_path", flags.configPath)
	}

	views, err := view.All(conf, ics.NewBuilder())
	if err != nil {
		return err
	}

	store := source.NewStore()
	fetcher := source.NewFetcher(conf.CacheDir, nil)
	for _, vc := range conf.Views {
		l, err := source.NewLoader(vc.Source.File, vc.Source.URL, fetcher)
		if err != nil {
			return fmt.Errorf("view %s: %w", vc.Name, err)
		}
		store.Register(vc.Name, l)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if flags.once {
		return renderOnce(ctx, conf, views, store, flags.outDir)
	}

	refresher, err := source.NewRefresher(store, conf.RefreshCron)
	if err != nil {
		return err
	}
	server := web.NewServer(conf, views, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })

	err = g.Wait()
	appLog.Info("viewsical exiting")
	return err
}

// renderOnce writes every view to outDir/<name>.ics. All views are
// attempted; failures are joined.
func renderOnce(ctx context.Context, conf *config.Config, views map[string]view.Strategy, store *source.Store, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	var errs []error
	for _, vc := range conf.Views {
		strategy := views[vc.Name]
		records, err := store.Records(ctx, vc.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		doc, err := strategy.Render(records)
		if err != nil {
			errs = append(errs, fmt.Errorf("view %s: %w", vc.Name, err))
			continue
		}

		path := filepath.Join(outDir, vc.Name+".ics")
		if err := os.WriteFile(path, doc.Bytes(), 0o644); err != nil {
			errs = append(errs, err)
			continue
		}
		appLog.Info("feed written", "view", vc.Name, "path", path, "events", doc.Len())
	}
	return errors.Join(errs...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/viewsical/config.yaml", "Path to config file (.yaml or .toml)")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file with VIEWSICAL_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Render every view once to -out and exit")
	flag.StringVar(&cfg.outDir, "out", ".", "Output directory for -once")

	flag.Parse()

	return cfg
}
