package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bartek5186/partsync/internal/app"
	"github.com/bartek5186/partsync/internal/blob"
	conf "github.com/bartek5186/partsync/internal/config"
	"github.com/bartek5186/partsync/internal/httpapi"
	"github.com/bartek5186/partsync/internal/logs"
)

// ver can be overridden with -ldflags "-X 'main.ver=1.0.1'"
var ver = "1.0.0"

var (
	cfgPath string
	verbose bool

	appDir string
	cfg    *conf.Config
	log    zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "partsync",
	Short: "Parts catalog ingestion from spreadsheets, CSV files and archives",
	Long: `partsync imports parts catalogs from XLSX, XLS and CSV files or ZIP
archives of them, attaches product images, and keeps a storefront snapshot
of every part.

Small files are processed inline; larger ones are split into row chunks and
handled by a pool of background workers with per-upload progress tracking.`,
	Version:       ver,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		if cfgPath == "" {
			appDir = mustAppDataDir("partsync")
			cfgPath = filepath.Join(appDir, "config.json")
		} else {
			appDir = filepath.Dir(cfgPath)
		}
		var (
			firstRun bool
			err      error
		)
		cfg, firstRun, err = conf.LoadOrCreate(cfgPath)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		log = logs.New(filepath.Join(appDir, "app.log"), consoleLogs(cmd), level)
		if firstRun {
			log.Info().Str("path", cfgPath).Msg("default config written")
		}
		return nil
	},
}

// consoleLogs mirrors logs to stderr for the long-running commands.
func consoleLogs(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "serve", "worker":
		return true
	}
	return verbose
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the background workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the background workers and the stuck-upload sweep",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.json (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on the console")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(stuckCmd)
	rootCmd.AddCommand(matchImagesCmd)
	rootCmd.AddCommand(syncPartCmd)
	rootCmd.AddCommand(syncPartsCmd)
	rootCmd.AddCommand(consoleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openApp() (*app.App, error) {
	a, err := app.Open(log, cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.AutoStart {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
	}

	opts := httpapi.Options{MaxUploadBytes: cfg.HTTP.MaxUploadMB << 20}
	if local, ok := a.Store.(*blob.Local); ok {
		opts.MediaRoot = local.Root()
	}
	api := httpapi.New(log, a.Ingest, a.Progress, a.Storefront, opts)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	a.Stop()
	log.Info().Msg("bye")
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info().Int("workers", cfg.Workers).Str("version", ver).Msg("worker running")
	<-ctx.Done()
	a.Stop()
	return nil
}

func mustAppDataDir(name string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	p := filepath.Join(base, name)
	_ = os.MkdirAll(p, 0o755)
	return p
}
