package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"deviceimport/internal/config"
	"deviceimport/internal/logging"
	"deviceimport/internal/metrics"
	"deviceimport/internal/metrics/datadog"
)

// exitError carries the exit code for an error returned by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to an exit status. Errors cobra raises on
// its own (unknown command, bad flag) carry no code and are usage errors.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	configPath     string
	logLevel       string
	metricsBackend string

	cfg     *config.Config
	log     zerolog.Logger
	runner  importRunner
	closers []func()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "deviceimport",
		Short:         "Import device activity exports into a database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVar(&a.metricsBackend, "metrics-backend", "", "override metrics.backend (none, datadog, pushgateway)")

	root.AddCommand(a.importCmd(), a.dedupeCmd(), a.classifyCmd(), a.schemaCmd())
	return root
}

// setup loads configuration and builds the logger, metrics backend and
// runner shared by every subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := a.deps.loadConfig(a.configPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.metricsBackend != "" {
		cfg.Metrics.Backend = a.metricsBackend
	}
	a.cfg = cfg

	a.log = logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Caller:    cfg.Log.Caller,
		Timestamp: true,
		Output:    a.stderr,
	}).With().Str("cmd", cmd.Name()).Logger()

	a.setupMetrics(cmd)

	a.runner = a.deps.newRunner(cfg, a.log)
	a.closers = append(a.closers, a.runner.Close)
	return nil
}

// setupMetrics installs the configured backend. A backend that fails to
// start is logged and metrics stay disabled; it never fails the command.
func (a *app) setupMetrics(cmd *cobra.Command) {
	mc := a.cfg.Metrics
	var (
		b   metricsBackend
		err error
	)
	switch mc.Backend {
	case config.MetricsPushgateway:
		b, err = a.deps.newPushgateway(mc.Job, mc.PushgatewayURL)
	case config.MetricsDatadog:
		b, err = a.deps.newDatadog(cmd.Context(), datadog.Options{
			JobName:    mc.Job,
			Tags:       mc.Tags,
			FlushEvery: mc.FlushEvery,
		})
	case config.MetricsNone, "":
		a.log.Debug().Msg("metrics disabled")
		return
	default:
		a.log.Warn().Str("backend", mc.Backend).Msg("unknown metrics backend; metrics disabled")
		return
	}
	if err != nil {
		a.log.Warn().Err(err).Str("backend", mc.Backend).Msg("metrics backend init failed; metrics disabled")
		return
	}

	a.log.Info().Str("backend", mc.Backend).Str("job", mc.Job).Strs("tags", mc.Tags).Msg("metrics enabled")
	metrics.SetBackend(b)
	a.closers = append(a.closers, func() {
		if err := b.Close(); err != nil {
			a.log.Warn().Err(err).Msg("metrics: final flush failed")
		}
		metrics.SetBackend(nil)
	})
}

// shutdown runs closers in reverse order: the runner closes before metrics
// take their final flush.
func (a *app) shutdown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) importCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Classify and import export files, contacts and applications first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, runErr := a.runner.Run(cmd.Context(), args)
			if err := rep.WriteSummary(a.stdout); err != nil {
				return withCode(exitFailure, err)
			}

			if verify && cmd.Context().Err() == nil {
				counts, err := a.runner.VerifyImport(cmd.Context(), rep.TableNames())
				writeCounts(a.stdout, "VERIFY", counts)
				if err != nil {
					runErr = errors.Join(runErr, err)
				}
			}
			return withCode(exitFailure, runErr)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check row counts of the imported tables afterwards")
	return cmd
}

func (a *app) dedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe [TABLE...]",
		Short: "Remove rows sharing a content hash, keeping the oldest (all tables by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				removed, err := a.runner.DeduplicateAll(cmd.Context())
				writeCounts(a.stdout, "REMOVED", removed)
				return withCode(exitFailure, err)
			}

			removed := make(map[string]int64, len(args))
			var errs []error
			for _, t := range args {
				n, err := a.runner.Deduplicate(cmd.Context(), t)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				removed[t] = n
			}
			writeCounts(a.stdout, "REMOVED", removed)
			return withCode(exitFailure, errors.Join(errs...))
		},
	}
}

func (a *app) classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify FILE...",
		Short: "Report the encoding and record kind of files without importing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tKIND\tENCODING\tCONFIDENCE\tCOLUMNS")
			var errs []error
			for _, p := range args {
				enc, header, kind, err := a.runner.Sniff(cmd.Context(), p)
				if err != nil {
					errs = append(errs, err)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", p, kind, orDash(enc.Name), enc.Confidence, strings.Join(header, ", "))
			}
			if err := tw.Flush(); err != nil {
				return withCode(exitFailure, err)
			}
			return withCode(exitFailure, errors.Join(errs...))
		},
	}
}

func (a *app) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.runner.EnsureSchema(cmd.Context()); err != nil {
				return withCode(exitFailure, err)
			}
			fmt.Fprintf(a.stdout, "schema ready (%s)\n", a.cfg.Database.Kind)
			return nil
		},
	}
}

func writeCounts(w io.Writer, title string, counts map[string]int64) {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TABLE\t%s\n", title)
	for _, n := range names {
		fmt.Fprintf(tw, "%s\t%d\n", n, counts[n])
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
