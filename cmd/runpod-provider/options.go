package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/podscale/runpod-node-provider/internal/logging"
	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
	"github.com/podscale/runpod-node-provider/pkg/runpod/credentials"
)

// envPrefix is the prefix of environment variables overriding flags,
// e.g. RUNPOD_PROVIDER_CLUSTER_NAME
const envPrefix = "RUNPOD_PROVIDER"

// Options holds configuration for the node provider CLI
type Options struct {
	// ConfigFile is an optional YAML/JSON/TOML config file
	ConfigFile string

	// ClusterName scopes every operation to pods tagged cluster-name=<ClusterName>
	ClusterName string

	// Region is the RunPod data center new pods are placed in
	Region string

	// APIKeyRef locates the RunPod API key: env:NAME, file:PATH or secret:[ns/]name#key
	APIKeyRef string

	// SSHKeyRef locates the SSH public key installed on new pods. Optional.
	SSHKeyRef string

	// APIEndpoint is the RunPod REST API base URL
	APIEndpoint string

	// Kubeconfig is the path to the kubeconfig file used for secret: refs.
	// If empty, uses in-cluster configuration
	Kubeconfig string

	// SecretNamespace is the namespace of secret: refs that do not name one
	SecretNamespace string

	// RateLimit is the maximum number of RunPod API requests per minute
	RateLimit int

	// Timeout is the HTTP timeout of a single RunPod API request
	Timeout time.Duration

	// MaxRetries is the number of retries for transient API failures; negative disables
	MaxRetries int

	// LogLevel is the log verbosity level (debug, info, warn, error)
	LogLevel string

	// LogFormat is the log format (json, console)
	LogFormat string

	// serve mode

	// MetricsAddr is the address the metrics endpoint binds to
	MetricsAddr string

	// HealthProbeAddr is the address the health probe endpoint binds to
	HealthProbeAddr string

	// RefreshInterval is how often serve refreshes the node cache
	RefreshInterval time.Duration

	// Audit configuration

	// Audit enables audit events
	Audit bool

	// AuditFile additionally writes audit events as JSON lines to this file
	AuditFile string

	// Sentry configuration

	// SentryDSN is the Sentry Data Source Name (can also be set via RUNPOD_PROVIDER_SENTRY_DSN)
	SentryDSN string

	// SentryEnvironment is the deployment environment (e.g., "production", "staging")
	SentryEnvironment string

	// SentryTracesSampleRate is the sample rate for performance traces (0.0 to 1.0)
	SentryTracesSampleRate float64
}

// NewDefaultOptions returns Options with default values
func NewDefaultOptions() *Options {
	return &Options{
		APIKeyRef:              "env:RUNPOD_API_KEY",
		APIEndpoint:            client.DefaultAPIEndpoint,
		SecretNamespace:        credentials.DefaultSecretNamespace,
		RateLimit:              client.DefaultRateLimit,
		Timeout:                client.DefaultTimeout,
		MaxRetries:             client.DefaultMaxRetries,
		LogLevel:               "info",
		LogFormat:              "json",
		MetricsAddr:            ":8080",
		HealthProbeAddr:        ":8081",
		RefreshInterval:        30 * time.Second,
		Audit:                  true,
		SentryEnvironment:      "", // Defaults to "development" if not set
		SentryTracesSampleRate: 0.1,
	}
}

// addFlags registers the options as flags on fs
func addFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "Path to a config file (default $HOME/.runpod-provider/config.yaml or /etc/runpod-provider/config.yaml)")
	fs.StringVar(&opts.ClusterName, "cluster-name", opts.ClusterName, "Name of the cluster whose nodes are managed")
	fs.StringVar(&opts.Region, "region", opts.Region, "RunPod data center for new nodes")
	fs.StringVar(&opts.APIKeyRef, "api-key-ref", opts.APIKeyRef, "Reference to the RunPod API key (env:NAME, file:PATH or secret:[ns/]name#key)")
	fs.StringVar(&opts.SSHKeyRef, "ssh-key-ref", opts.SSHKeyRef, "Reference to the SSH public key installed on new nodes")
	fs.StringVar(&opts.APIEndpoint, "api-endpoint", opts.APIEndpoint, "RunPod REST API endpoint")
	fs.StringVar(&opts.Kubeconfig, "kubeconfig", opts.Kubeconfig, "Path to kubeconfig file for secret: references (uses in-cluster config if not specified)")
	fs.StringVar(&opts.SecretNamespace, "secret-namespace", opts.SecretNamespace, "Default namespace of secret: references")
	fs.IntVar(&opts.RateLimit, "rate-limit", opts.RateLimit, "Maximum RunPod API requests per minute")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Timeout of a single RunPod API request")
	fs.IntVar(&opts.MaxRetries, "max-retries", opts.MaxRetries, "Retries for transient RunPod API failures (negative disables)")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format (json, console)")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "The address the metric endpoint binds to")
	fs.StringVar(&opts.HealthProbeAddr, "health-addr", opts.HealthProbeAddr, "The address the health probe endpoint binds to")
	fs.DurationVar(&opts.RefreshInterval, "refresh-interval", opts.RefreshInterval, "How often serve refreshes the node cache")
	fs.BoolVar(&opts.Audit, "audit", opts.Audit, "Emit audit events for node lifecycle and security events")
	fs.StringVar(&opts.AuditFile, "audit-file", opts.AuditFile, "Also append audit events as JSON lines to this file")
	fs.StringVar(&opts.SentryDSN, "sentry-dsn", opts.SentryDSN, "Sentry DSN for error tracking (disabled when empty)")
	fs.StringVar(&opts.SentryEnvironment, "sentry-environment", opts.SentryEnvironment, "Sentry environment name")
	fs.Float64Var(&opts.SentryTracesSampleRate, "sentry-traces-sample-rate", opts.SentryTracesSampleRate, "Sentry traces sample rate (0.0 to 1.0)")
}

// loadConfig fills flags that were not set on the command line from the
// environment and the config file, in that order of precedence
func loadConfig(fs *pflag.FlagSet, v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.runpod-provider")
		v.AddConfigPath("/etc/runpod-provider")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	var errs []string
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.Name, err))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates the options and returns an error if any option is invalid
func (o *Options) Validate() error {
	if strings.TrimSpace(o.ClusterName) == "" {
		return fmt.Errorf("cluster name cannot be empty")
	}

	if o.APIKeyRef == "" {
		return fmt.Errorf("API key reference cannot be empty")
	}

	if !strings.HasPrefix(o.APIEndpoint, "https://") {
		return fmt.Errorf("API endpoint must use HTTPS, got: %s", o.APIEndpoint)
	}

	if o.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than zero")
	}

	if o.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be greater than zero")
	}

	if o.HealthProbeAddr == "" {
		return fmt.Errorf("health probe address cannot be empty")
	}

	if o.MetricsAddr != "" && o.MetricsAddr == o.HealthProbeAddr {
		return fmt.Errorf("metrics address and health probe address cannot be the same")
	}

	if _, err := logging.ParseLevel(o.LogLevel); err != nil {
		return err
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[o.LogFormat] {
		return fmt.Errorf("invalid log format '%s', must be one of: json, console", o.LogFormat)
	}

	if o.SentryTracesSampleRate < 0 || o.SentryTracesSampleRate > 1 {
		return fmt.Errorf("sentry traces sample rate must be between 0.0 and 1.0")
	}

	return nil
}

// Complete fills in any fields not set that are required to have valid data
func (o *Options) Complete() error {
	defaults := NewDefaultOptions()

	o.ClusterName = strings.TrimSpace(o.ClusterName)

	if o.APIEndpoint == "" {
		o.APIEndpoint = defaults.APIEndpoint
	}

	if o.SecretNamespace == "" {
		o.SecretNamespace = defaults.SecretNamespace
	}

	if o.Timeout == 0 {
		o.Timeout = defaults.Timeout
	}

	if o.RefreshInterval == 0 {
		o.RefreshInterval = defaults.RefreshInterval
	}

	if o.LogLevel == "" {
		o.LogLevel = defaults.LogLevel
	}

	if o.LogFormat == "" {
		o.LogFormat = defaults.LogFormat
	}

	if o.SentryDSN != "" && o.SentryEnvironment == "" {
		o.SentryEnvironment = "development"
	}

	return nil
}

// needsKubernetes reports whether any credential ref is read from a Secret
func (o *Options) needsKubernetes() bool {
	return credentials.Scheme(o.APIKeyRef) == "secret" || credentials.Scheme(o.SSHKeyRef) == "secret"
}
