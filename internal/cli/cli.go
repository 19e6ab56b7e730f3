// Package cli runs one load test headlessly: it wires the configured
// components together, prints a live progress line and the final summary,
// and maps the outcome to a process exit code.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/sirupsen/logrus"

	"vuramp/internal/config"
	"vuramp/internal/engine"
	"vuramp/internal/executor"
	"vuramp/internal/report"
	"vuramp/internal/runner"
	"vuramp/internal/scenario"
	"vuramp/internal/schedule"
	"vuramp/internal/stats"
	"vuramp/internal/storage"
	"vuramp/internal/styles"
	"vuramp/internal/telemetry"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitConfigError  = 1
	ExitChecksFailed = 99
)

// Options are the process-level dependencies of Run.
type Options struct {
	Out    io.Writer
	Logger logrus.FieldLogger
	// Signals enables Ctrl+C handling: the first signal drains the run,
	// the second exits immediately.
	Signals bool
}

// Run executes the test described by cfg and returns the exit code.
func Run(ctx context.Context, cfg *config.Config, opts Options) int {
	out, logger := opts.Out, opts.Logger
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sc, err := scenario.LoadFile(cfg.Scenario, scenario.LoadOptions{BaseURL: cfg.BaseURL})
	if err != nil {
		logger.WithError(err).Error("Invalid scenario")
		return ExitConfigError
	}
	plan, err := cfg.Plan()
	if err != nil {
		logger.WithError(err).Error("Invalid schedule")
		return ExitConfigError
	}

	exec := executor.New(executor.Options{
		Timeout:    cfg.Timeout,
		MaxRPS:     cfg.MaxRPS,
		BatchLimit: cfg.BatchLimit,
		Insecure:   cfg.Insecure,
	})
	defer exec.CloseIdleConnections()

	r := runner.New(exec, runner.Options{Retries: cfg.Retries, Logger: logger})
	updates := make(chan engine.Progress, 16)
	eng := engine.New(plan, sc, r, stats.NewCollector(), engine.Options{
		Tick:                cfg.Tick,
		GracePeriod:         cfg.GracePeriod,
		MaxCheckFailureRate: cfg.MaxCheckFailureRate,
		Logger:              logger,
		Updates:             updates,
	})

	if cfg.MetricsAddr != "" {
		srv, err := telemetry.Listen(cfg.MetricsAddr, eng, logger)
		if err != nil {
			logger.WithError(err).Error("Can't expose metrics")
			return ExitConfigError
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.Signals {
		stopSignals := handleSignals(eng, out)
		defer stopSignals()
	}

	meta := report.Meta{
		ID:                  storage.NewID(),
		Scenario:            sc.Name(),
		BaseURL:             cfg.BaseURL,
		Plan:                fmt.Sprint(plan),
		MaxCheckFailureRate: cfg.MaxCheckFailureRate,
	}
	printHeader(out, cfg, sc, plan)

	type outcome struct {
		res *engine.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Run(ctx)
		done <- outcome{res, err}
	}()

	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage())
	var o outcome
monitor:
	for {
		select {
		case p := <-updates:
			printProgress(out, bar, p)
		case o = <-done:
			break monitor
		}
	}
	if o.err != nil {
		logger.WithError(o.err).Error("Run failed")
		return ExitConfigError
	}

	fmt.Fprint(out, "\n\n")
	fmt.Fprint(out, report.Render(o.res, meta))

	saveHistory(cfg, o.res, meta, logger)
	handleAutoReport(out, cfg, o.res, meta, logger)

	if !o.res.Passed {
		return ExitChecksFailed
	}
	return ExitOK
}

func handleSignals(eng *engine.Engine, out io.Writer) (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case <-sigs:
		case <-quit:
			return
		}
		fmt.Fprintln(out, styles.Warn.Render("\nStopping, waiting for in-flight iterations (Ctrl+C again to abort)"))
		eng.Stop()
		select {
		case <-sigs:
			fmt.Fprintln(out, styles.Error.Render("\nAborted"))
			os.Exit(ExitConfigError)
		case <-quit:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(quit)
	}
}

func printHeader(out io.Writer, cfg *config.Config, sc *scenario.Script, plan schedule.Plan) {
	fmt.Fprintln(out, styles.Title.Render("STARTING VURAMP LOAD TEST"))
	row := func(label, value string) {
		fmt.Fprintln(out, styles.Label.Render(label)+" "+styles.Text.Render(value))
	}
	row("Scenario", fmt.Sprintf("%s (%s)", sc.Name(), sc.Kind()))
	if cfg.BaseURL != "" {
		row("Base URL", cfg.BaseURL)
	}
	row("Schedule", fmt.Sprint(plan))
	if ramp, ok := plan.(*schedule.Ramp); ok {
		for i, s := range ramp.Stages() {
			row(fmt.Sprintf("  stage %d", i+1), fmt.Sprintf("%s -> %d VUs", s.Duration, s.Target))
		}
	}
	row("Timeout", cfg.Timeout.String())
	if cfg.Retries > 0 {
		row("Retries", fmt.Sprint(cfg.Retries))
	}
	row("Grace period", cfg.GracePeriod.String())
	row("Max check fails", fmt.Sprintf("%.2f%%", cfg.MaxCheckFailureRate*100))
	if cfg.MaxRPS > 0 {
		row("Max RPS", fmt.Sprint(cfg.MaxRPS))
	}
	fmt.Fprintln(out)
}

func printProgress(out io.Writer, bar progress.Model, p engine.Progress) {
	rps := 0.0
	if secs := p.Elapsed.Seconds(); secs > 0 {
		rps = float64(p.Counters.Requests) / secs
	}
	line := fmt.Sprintf("\r%s %3.0f%% | %s/%s | VUs %d/%d | RPS %.1f | OK %d | Err %d | p95 %.1fms",
		bar.ViewAs(p.Percent()), p.Percent()*100,
		p.Elapsed.Round(time.Second), p.Total,
		p.Active, p.Target,
		rps,
		p.Counters.Requests-p.Counters.RequestsFailed,
		p.Counters.RequestsFailed,
		p.Duration.P(95),
	)
	if p.State == engine.Draining {
		line = fmt.Sprintf("\r%s %3.0f%% | %s/%s | Draining: %d VUs...                ",
			bar.ViewAs(1), 100.0, p.Elapsed.Round(time.Second), p.Total, p.Active)
	}
	fmt.Fprint(out, line)
}

func saveHistory(cfg *config.Config, res *engine.Result, meta report.Meta, logger logrus.FieldLogger) {
	if cfg.HistoryPath == "" {
		return
	}
	store, err := storage.Open(cfg.HistoryPath)
	if err != nil {
		logger.WithError(err).Warn("Can't open run history")
		return
	}
	defer store.Close()

	item := &storage.HistoryItem{
		ID:        meta.ID,
		Timestamp: res.StartedAt,
		Scenario:  meta.Scenario,
		BaseURL:   meta.BaseURL,
		Plan:      meta.Plan,
		Summary:   storage.Summarize(res),
	}
	if err := store.Save(item); err != nil {
		logger.WithError(err).Warn("Can't save run history")
	}
}

func handleAutoReport(out io.Writer, cfg *config.Config, res *engine.Result, meta report.Meta, logger logrus.FieldLogger) {
	if cfg.OutPrefix == "" {
		return
	}

	fmt.Fprintf(out, "\nGenerating reports with prefix: %s\n", cfg.OutPrefix)
	paths, err := report.ExportAll(cfg.OutPrefix, res, meta)
	if err != nil {
		logger.WithError(err).Error("Report export failed")
	}
	for _, p := range paths {
		fmt.Fprintln(out, styles.Success.Render("  saved ")+p)
	}
}
