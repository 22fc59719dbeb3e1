// Command deviceimport loads device activity exports (contacts, applications,
// calls, chats, SMS, keylogs) into a relational store and removes duplicates.
//
//	deviceimport import exports/*.csv --verify
//	deviceimport dedupe calls
//	deviceimport classify export.xlsx
//	deviceimport schema
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"deviceimport/internal/config"
	"deviceimport/internal/encoding"
	"deviceimport/internal/importer"
	"deviceimport/internal/metrics"
	"deviceimport/internal/metrics/datadog"
	"deviceimport/internal/metrics/prompush"
	"deviceimport/internal/normalize"
	"deviceimport/internal/pipeline"
	"deviceimport/internal/storage"
	"deviceimport/pkg/records"

	// every backend is linked in; config picks one by kind.
	_ "deviceimport/internal/storage/all"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// importRunner is the part of pipeline.Runner the commands use.
type importRunner interface {
	Run(ctx context.Context, paths []string) (pipeline.Report, error)
	Sniff(ctx context.Context, path string) (encoding.Result, []string, records.Kind, error)
	Deduplicate(ctx context.Context, table string) (int64, error)
	DeduplicateAll(ctx context.Context) (map[string]int64, error)
	VerifyImport(ctx context.Context, tables []string) (map[string]int64, error)
	EnsureSchema(ctx context.Context) error
	Close()
}

// metricsBackend is a metrics.Backend that must be closed at exit.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// appDeps are the seams main_test replaces.
type appDeps struct {
	loadConfig     func(path string) (*config.Config, error)
	newRunner      func(cfg *config.Config, log zerolog.Logger) importRunner
	newDatadog     func(ctx context.Context, opts datadog.Options) (metricsBackend, error)
	newPushgateway func(job, url string) (metricsBackend, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newRunner:  newPipelineRunner,
		newDatadog: func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
			return datadog.NewBackend(ctx, opts)
		},
		newPushgateway: func(job, url string) (metricsBackend, error) {
			return prompush.NewBackend(job, url)
		},
	}
}

func newPipelineRunner(cfg *config.Config, log zerolog.Logger) importRunner {
	return &pipeline.Runner{
		Storage: storage.MultiConfig{
			Kind: cfg.Database.Kind,
			DSN:  cfg.Database.DSN,
			Pool: cfg.Database.Pool,
		},
		Detector: encoding.NewDetector(cfg.Import.EncodingThreshold, cfg.Import.DefaultEncoding),
		Normalizer: &normalize.Normalizer{
			DefaultEmail:     cfg.Import.DefaultEmail,
			DefaultRecipient: cfg.Import.DefaultRecipient,
		},
		Log: log,
		Options: pipeline.Options{
			BatchSize: cfg.Import.BatchSize,
			Workers:   cfg.Import.Workers,
			Retry: importer.Retry{
				MaxAttempts:     cfg.Import.Retry.MaxAttempts,
				InitialInterval: cfg.Import.Retry.InitialInterval,
				MaxInterval:     cfg.Import.Retry.MaxInterval,
				Multiplier:      cfg.Import.Retry.Multiplier,
			},
			RunTimeout:      cfg.Import.RunTimeout,
			HeaderRowOffset: cfg.Import.HeaderRowOffset,
		},
	}
}

// runMain executes the CLI and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	app := &app{deps: deps, stdout: stdout, stderr: stderr}
	defer app.shutdown()

	root := app.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return exitOK
}
