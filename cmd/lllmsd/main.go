package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avnigashi/lllms/internal/config"
	"github.com/avnigashi/lllms/internal/download"
	"github.com/avnigashi/lllms/internal/httpapi"
	"github.com/avnigashi/lllms/internal/pool"
	"github.com/avnigashi/lllms/internal/runtime"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath     string
		addr        string
		modelsDir   string
		concurrency int
		logLevel    string
		corsOn      bool
	)

	cmd := &cobra.Command{
		Use:   "lllmsd",
		Short: "Local inference gateway for on-disk LLM weights",
		Long: "lllmsd fronts one or more on-disk model files and serves chat,\n" +
			"completion and embedding requests over HTTP, multiplexing named\n" +
			"model configurations onto a bounded pool of warm instances.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags win over file values.
			if addr != "" {
				cfg.Addr = addr
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}
			if concurrency > 0 {
				cfg.Concurrency = concurrency
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if cfg.Addr == "" {
				cfg.Addr = ":8080"
			}
			if cfg.ModelsDir == "" {
				cfg.ModelsDir = config.DefaultModelsDir()
			}
			return serve(cfg, corsOn)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (.yaml/.json/.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "directory model files are downloaded into")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "global cap on live model instances")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&corsOn, "cors", false, "enable permissive CORS")
	return cmd
}

func serve(cfg config.Config, corsOn bool) error {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	dir, err := config.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	dl := download.New(nil, log)
	p := pool.New(pool.Config{
		Concurrency: cfg.Concurrency,
		ModelsDir:   dir,
		Models:      cfg.Models,
		Logger:      log,
	}, runtime.NewLlamaEngine(), dl)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	if corsOn {
		httpapi.SetCORSOptions(true, []string{"*"}, []string{"GET", "POST"}, []string{"*"})
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(p)}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", dir).Int("models", len(cfg.Models)).Msg("lllmsd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	p.Dispose()
	return nil
}
