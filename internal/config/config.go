package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/yourorg/scandiff-worker/internal/model"
)

type Config struct {
	DatabaseURL       string
	S3Endpoint        string
	S3AccessKey       string
	S3SecretKey       string
	S3UseSSL          bool
	S3Region          string
	ScansBucket       string
	ReportsBucket     string
	ScratchDir        string
	WorkerConcurrency int
	HTTPAddr          string
	MinSeverity       string
	FailOn            string
	StaleAfter        time.Duration
	PolicyPath        string
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return b, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return d, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads the worker configuration from the environment. Callers load
// .env files before calling it.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3AccessKey:   os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("S3_SECRET_KEY"),
		S3Region:      os.Getenv("S3_REGION"),
		ScansBucket:   os.Getenv("SCANS_BUCKET"),
		ReportsBucket: os.Getenv("REPORTS_BUCKET"),
		ScratchDir:    getString("SCRATCH_DIR", "/scratch"),
		HTTPAddr:      os.Getenv("HTTP_ADDR"),
		MinSeverity:   getString("MIN_SEVERITY", string(model.SeverityUnknown)),
		FailOn:        os.Getenv("FAIL_ON_NEW"),
		PolicyPath:    os.Getenv("POLICY_PATH"),
	}

	var err error
	if cfg.S3UseSSL, err = getBool("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 2); err != nil {
		return Config{}, err
	}
	if cfg.StaleAfter, err = getDuration("STALE_AFTER", 10*time.Minute); err != nil {
		return Config{}, err
	}

	if cfg.FailOn != "" && !model.IsKnownSeverity(cfg.FailOn) {
		return Config{}, fmt.Errorf("%w: FAIL_ON_NEW=%q", ErrInvalidConfig, cfg.FailOn)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%w: DATABASE_URL", ErrMissingRequired)
	}
	if cfg.ScansBucket == "" || cfg.ReportsBucket == "" {
		return Config{}, fmt.Errorf("%w: SCANS_BUCKET and REPORTS_BUCKET", ErrMissingRequired)
	}
	return cfg, nil
}

// Policy returns the effective thresholds: the env values, overridden by
// the policy file when PolicyPath is set.
func (c Config) Policy() (Policy, error) {
	p := Policy{MinSeverity: c.MinSeverity, FailOnNew: c.FailOn}
	if c.PolicyPath == "" {
		return p, nil
	}
	file, err := LoadPolicy(c.PolicyPath)
	if err != nil {
		return Policy{}, err
	}
	return p.Merge(file), nil
}
