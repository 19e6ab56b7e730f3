package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vuramp/internal/banner"
	"vuramp/internal/cli"
	"vuramp/internal/config"
	"vuramp/internal/logging"
	"vuramp/internal/styles"
)

var (
	cfgFile string
	stages  []string
)

var rootCmd = &cobra.Command{
	Use:   "vuramp [scenario.yaml]",
	Short: "vuramp - staged virtual-user load generator",
	Long: `
vuramp ramps virtual users up and down over time and has every one of them
loop over a scenario: a login that yields a session cookie followed by
chained API calls, or a batch of static resources fetched in parallel.

The schedule is either flat (--vus and --duration) or staged
(--stage 1m:50 --stage 2m:100 ... or "stages" in the config file).

Exit codes: 0 passed, 1 configuration error, 99 checks failed the threshold.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			viper.Set(config.KeyScenario, args[0])
		}
		if cmd.Flags().Changed("stage") {
			parsed, err := parseStages(stages)
			if err != nil {
				configError(err)
			}
			viper.Set(config.KeyStages, parsed)
		}

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			configError(err)
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			configError(err)
		}

		os.Exit(cli.Run(cmd.Context(), cfg, cli.Options{
			Out:     cmd.OutOrStdout(),
			Logger:  logger,
			Signals: true,
		}))
	},
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(cli.ExitConfigError)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(dummyCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vuramp.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("history", "", "Run history database (default is $HOME/.vuramp/history.db)")

	f := rootCmd.Flags()
	f.StringP("scenario", "s", "", "Scenario file")
	f.StringP("base-url", "u", "", "Base URL prepended to relative scenario paths")
	f.Int("vus", 1, "Looping virtual users (flat schedule)")
	f.StringP("duration", "d", "", `Run duration, e.g. "30s", "10m" or bare seconds (flat schedule)`)
	f.StringSliceVar(&stages, "stage", nil, `Ramp stage as duration:target, e.g. "1m:50" (repeatable)`)
	f.String("timeout", "10s", "Per-request timeout")
	f.Int("retries", 0, "Retries after a transport failure")
	f.String("grace-period", "30s", "How long in-flight iterations may finish once the run drains")
	f.String("tick", "100ms", "Scheduler resolution")
	f.Float64("max-check-failure-rate", 0, "Tolerated share of failed checks (0..1)")
	f.Float64("max-rps", 0, "Cap on requests per second across all VUs (0 = unlimited)")
	f.Int("batch-limit", 0, "Cap on parallel requests within one batch (0 = unlimited)")
	f.BoolP("insecure", "k", false, "Skip TLS certificate verification")
	f.StringP("out", "o", "", "Output filename prefix for auto-reporting")
	f.String("metrics-addr", "", `Expose Prometheus metrics on this address, e.g. ":9090"`)

	bind := map[string]string{
		config.KeyScenario:            "scenario",
		config.KeyBaseURL:             "base-url",
		config.KeyVUs:                 "vus",
		config.KeyDuration:            "duration",
		config.KeyTimeout:             "timeout",
		config.KeyRetries:             "retries",
		config.KeyGracePeriod:         "grace-period",
		config.KeyTick:                "tick",
		config.KeyMaxCheckFailureRate: "max-check-failure-rate",
		config.KeyMaxRPS:              "max-rps",
		config.KeyBatchLimit:          "batch-limit",
		config.KeyInsecure:            "insecure",
		config.KeyOut:                 "out",
		config.KeyMetricsAddr:         "metrics-addr",
	}
	for key, name := range bind {
		_ = viper.BindPFlag(key, f.Lookup(name))
	}
	_ = viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag(config.KeyLogFormat, rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag(config.KeyHistory, rootCmd.PersistentFlags().Lookup("history"))
}

func initConfig() {
	if err := config.Init(viper.GetViper(), cfgFile); err != nil {
		configError(err)
	}
}

func configError(err error) {
	fmt.Fprintln(os.Stderr, styles.Error.Render("configuration error:"))
	fmt.Fprintln(os.Stderr, err)
	os.Exit(cli.ExitConfigError)
}

// parseStages turns "duration:target" flag values into the shape of the
// "stages" config key.
func parseStages(values []string) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(values))
	for _, v := range values {
		dur, target, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("stage %q: want duration:target", v)
		}
		n, err := strconv.Atoi(strings.TrimSpace(target))
		if err != nil {
			return nil, fmt.Errorf("stage %q: target: %w", v, err)
		}
		out = append(out, map[string]any{"duration": strings.TrimSpace(dur), "target": n})
	}
	return out, nil
}
