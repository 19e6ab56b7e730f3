// Package config loads the run configuration from flags, environment and an
// optional YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vuramp/internal/schedule"
)

// Keys understood in the config file, as VURAMP_* env vars and as flags.
const (
	KeyBaseURL             = "base_url"
	KeyScenario            = "scenario"
	KeyVUs                 = "vus"
	KeyDuration            = "duration"
	KeyStages              = "stages"
	KeyTimeout             = "timeout"
	KeyRetries             = "retries"
	KeyGracePeriod         = "grace_period"
	KeyTick                = "tick"
	KeyMaxCheckFailureRate = "max_check_failure_rate"
	KeyMaxRPS              = "max_rps"
	KeyBatchLimit          = "batch_limit"
	KeyInsecure            = "insecure"
	KeyOut                 = "out"
	KeyMetricsAddr         = "metrics_addr"
	KeyHistory             = "history"
	KeyLogLevel            = "log_level"
	KeyLogFormat           = "log_format"
)

const envPrefix = "VURAMP"

var (
	ErrNoSchedule    = errors.New("either duration or stages must be specified")
	ErrBothSchedules = errors.New("vus/duration and stages can't be combined")
)

// Config is the immutable configuration of one run.
type Config struct {
	BaseURL  string
	Scenario string

	// Flat form
	VUs      int
	Duration time.Duration
	// Staged form
	Stages []schedule.Stage

	Timeout             time.Duration
	Retries             int
	GracePeriod         time.Duration
	Tick                time.Duration
	MaxCheckFailureRate float64
	MaxRPS              float64
	BatchLimit          int
	Insecure            bool

	OutPrefix   string
	MetricsAddr string
	HistoryPath string
	LogLevel    string
	LogFormat   string
}

type rawStage struct {
	Duration string `mapstructure:"duration"`
	Target   int    `mapstructure:"target"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTimeout, "10s")
	v.SetDefault(KeyRetries, 0)
	v.SetDefault(KeyGracePeriod, "30s")
	v.SetDefault(KeyTick, "100ms")
	v.SetDefault(KeyMaxCheckFailureRate, 0.0)
	v.SetDefault(KeyMaxRPS, 0.0)
	v.SetDefault(KeyBatchLimit, 0)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault(KeyHistory, home+"/.vuramp/history.db")
	}
}

// Init wires environment lookup and reads the config file. An explicit
// cfgFile must exist; the default $HOME/.vuramp.yaml is optional.
func Init(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// bare VUS / DURATION override the flat schedule too
	_ = v.BindEnv(KeyVUs, envPrefix+"_VUS", "VUS")
	_ = v.BindEnv(KeyDuration, envPrefix+"_DURATION", "DURATION")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigType("yaml")
	v.SetConfigName(".vuramp")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (*Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		raw := v.GetString(key)
		if raw == "" {
			return 0
		}
		d, err := ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		BaseURL:             strings.TrimRight(v.GetString(KeyBaseURL), "/"),
		Scenario:            v.GetString(KeyScenario),
		VUs:                 1,
		Duration:            dur(KeyDuration),
		Timeout:             dur(KeyTimeout),
		Retries:             v.GetInt(KeyRetries),
		GracePeriod:         dur(KeyGracePeriod),
		Tick:                dur(KeyTick),
		MaxCheckFailureRate: v.GetFloat64(KeyMaxCheckFailureRate),
		MaxRPS:              v.GetFloat64(KeyMaxRPS),
		BatchLimit:          v.GetInt(KeyBatchLimit),
		Insecure:            v.GetBool(KeyInsecure),
		OutPrefix:           v.GetString(KeyOut),
		MetricsAddr:         v.GetString(KeyMetricsAddr),
		HistoryPath:         v.GetString(KeyHistory),
		LogLevel:            v.GetString(KeyLogLevel),
		LogFormat:           v.GetString(KeyLogFormat),
	}

	if v.IsSet(KeyVUs) {
		cfg.VUs = v.GetInt(KeyVUs)
	}

	var stages []rawStage
	if err := v.UnmarshalKey(KeyStages, &stages); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyStages, err))
	}
	for i, s := range stages {
		d, err := ParseDuration(s.Duration)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage %d duration: %w", i, err))
			continue
		}
		cfg.Stages = append(cfg.Stages, schedule.Stage{Duration: d, Target: s.Target})
	}

	if len(stages) > 0 && (v.IsSet(KeyDuration) || v.IsSet(KeyVUs)) {
		errs = append(errs, ErrBothSchedules)
	}
	if len(stages) == 0 && !v.IsSet(KeyDuration) {
		errs = append(errs, ErrNoSchedule)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that don't depend on how they were loaded.
func (c *Config) Validate() error {
	var errs []error
	if c.Scenario == "" {
		errs = append(errs, errors.New("scenario file is required"))
	}
	if _, err := c.Plan(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be greater than 0"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("retries can't be negative"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("grace period can't be negative"))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be greater than 0"))
	}
	if c.MaxCheckFailureRate < 0 || c.MaxCheckFailureRate > 1 {
		errs = append(errs, errors.New("max check failure rate must be between 0 and 1"))
	}
	if c.MaxRPS < 0 {
		errs = append(errs, errors.New("max rps can't be negative"))
	}
	if c.BatchLimit < 0 {
		errs = append(errs, errors.New("batch limit can't be negative"))
	}
	return errors.Join(errs...)
}

// Plan returns the schedule for the active form.
func (c *Config) Plan() (schedule.Plan, error) {
	if len(c.Stages) > 0 {
		return schedule.NewRamp(c.Stages)
	}
	return schedule.NewFlat(c.VUs, c.Duration)
}

// ParseDuration accepts Go duration strings ("10m", "1m30s", "2h") and bare
// numbers, which are read as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else {
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: %w", s, schedule.ErrNegativeDuration)
	}
	return d, nil
}
