package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
)

func TestNewDefaultOptions(t *testing.T) {
	opts := NewDefaultOptions()

	assert.Equal(t, "env:RUNPOD_API_KEY", opts.APIKeyRef)
	assert.Equal(t, client.DefaultAPIEndpoint, opts.APIEndpoint)
	assert.Equal(t, "kube-system", opts.SecretNamespace)
	assert.Equal(t, client.DefaultRateLimit, opts.RateLimit)
	assert.Equal(t, client.DefaultTimeout, opts.Timeout)
	assert.Equal(t, "info", opts.LogLevel)
	assert.Equal(t, "json", opts.LogFormat)
	assert.Equal(t, ":8080", opts.MetricsAddr)
	assert.Equal(t, ":8081", opts.HealthProbeAddr)
	assert.Equal(t, 30*time.Second, opts.RefreshInterval)
	assert.True(t, opts.Audit)
	assert.Empty(t, opts.ClusterName)
	assert.Equal(t, 0.1, opts.SentryTracesSampleRate)
}

func TestAddFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts := NewDefaultOptions()
	addFlags(fs, opts)

	require.NoError(t, fs.Parse([]string{
		"--cluster-name", "c1",
		"--rate-limit", "60",
		"--timeout", "5s",
		"--audit=false",
	}))

	assert.Equal(t, "c1", opts.ClusterName)
	assert.Equal(t, 60, opts.RateLimit)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.False(t, opts.Audit)
	assert.Equal(t, "env:RUNPOD_API_KEY", fs.Lookup("api-key-ref").DefValue)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Options)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(o *Options) {},
		},
		{
			name:    "empty cluster name",
			modify:  func(o *Options) { o.ClusterName = "  " },
			wantErr: "cluster name cannot be empty",
		},
		{
			name:    "empty api key ref",
			modify:  func(o *Options) { o.APIKeyRef = "" },
			wantErr: "API key reference cannot be empty",
		},
		{
			name:    "plain http endpoint",
			modify:  func(o *Options) { o.APIEndpoint = "http://rest.runpod.io/v1" },
			wantErr: "must use HTTPS",
		},
		{
			name:    "negative rate limit",
			modify:  func(o *Options) { o.RateLimit = -1 },
			wantErr: "rate limit cannot be negative",
		},
		{
			name:    "zero timeout",
			modify:  func(o *Options) { o.Timeout = 0 },
			wantErr: "timeout must be greater than zero",
		},
		{
			name:    "zero refresh interval",
			modify:  func(o *Options) { o.RefreshInterval = 0 },
			wantErr: "refresh interval must be greater than zero",
		},
		{
			name:    "empty health address",
			modify:  func(o *Options) { o.HealthProbeAddr = "" },
			wantErr: "health probe address cannot be empty",
		},
		{
			name:    "same metrics and health address",
			modify:  func(o *Options) { o.MetricsAddr = ":9090"; o.HealthProbeAddr = ":9090" },
			wantErr: "cannot be the same",
		},
		{
			name:   "metrics disabled",
			modify: func(o *Options) { o.MetricsAddr = "" },
		},
		{
			name:    "invalid log level",
			modify:  func(o *Options) { o.LogLevel = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "invalid log format",
			modify:  func(o *Options) { o.LogFormat = "xml" },
			wantErr: "invalid log format",
		},
		{
			name:    "sample rate out of range",
			modify:  func(o *Options) { o.SentryTracesSampleRate = 1.5 },
			wantErr: "sample rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewDefaultOptions()
			opts.ClusterName = "c1"
			tt.modify(opts)

			err := opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptionsComplete(t *testing.T) {
	opts := &Options{ClusterName: " c1 ", SentryDSN: "https://key@sentry.example.com/1"}
	require.NoError(t, opts.Complete())

	assert.Equal(t, "c1", opts.ClusterName)
	assert.Equal(t, client.DefaultAPIEndpoint, opts.APIEndpoint)
	assert.Equal(t, "kube-system", opts.SecretNamespace)
	assert.Equal(t, client.DefaultTimeout, opts.Timeout)
	assert.Equal(t, 30*time.Second, opts.RefreshInterval)
	assert.Equal(t, "info", opts.LogLevel)
	assert.Equal(t, "json", opts.LogFormat)
	assert.Equal(t, "development", opts.SentryEnvironment)
}

func TestNeedsKubernetes(t *testing.T) {
	opts := NewDefaultOptions()
	assert.False(t, opts.needsKubernetes())

	opts.SSHKeyRef = "secret:runpod#sshKey"
	assert.True(t, opts.needsKubernetes())
}

func newFlagSet(t *testing.T, args ...string) (*pflag.FlagSet, *Options) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts := NewDefaultOptions()
	addFlags(fs, opts)
	require.NoError(t, fs.Parse(args))
	return fs, opts
}

func TestLoadConfig(t *testing.T) {
	t.Run("environment overrides defaults", func(t *testing.T) {
		fs, opts := newFlagSet(t)
		t.Setenv("RUNPOD_PROVIDER_CLUSTER_NAME", "from-env")
		t.Setenv("RUNPOD_PROVIDER_RATE_LIMIT", "30")

		require.NoError(t, loadConfig(fs, viper.New(), opts.ConfigFile))
		assert.Equal(t, "from-env", opts.ClusterName)
		assert.Equal(t, 30, opts.RateLimit)
	})

	t.Run("flags override environment", func(t *testing.T) {
		fs, opts := newFlagSet(t, "--cluster-name", "from-flag")
		t.Setenv("RUNPOD_PROVIDER_CLUSTER_NAME", "from-env")

		require.NoError(t, loadConfig(fs, viper.New(), opts.ConfigFile))
		assert.Equal(t, "from-flag", opts.ClusterName)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "provider.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`cluster-name: from-file
region: EU-RO-1
refresh-interval: 1m
audit: false
`), 0o600))

		fs, opts := newFlagSet(t, "--config", path, "--region", "US-TX-3")
		t.Setenv("RUNPOD_PROVIDER_CLUSTER_NAME", "from-env")

		require.NoError(t, loadConfig(fs, viper.New(), opts.ConfigFile))
		assert.Equal(t, "from-env", opts.ClusterName)
		assert.Equal(t, "US-TX-3", opts.Region)
		assert.Equal(t, time.Minute, opts.RefreshInterval)
		assert.False(t, opts.Audit)
	})

	t.Run("config file in home directory", func(t *testing.T) {
		fs, opts := newFlagSet(t)
		dir := filepath.Join(os.Getenv("HOME"), ".runpod-provider")
		require.NoError(t, os.MkdirAll(dir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("cluster-name: from-home\n"), 0o600))

		require.NoError(t, loadConfig(fs, viper.New(), opts.ConfigFile))
		assert.Equal(t, "from-home", opts.ClusterName)
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		fs, opts := newFlagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))

		err := loadConfig(fs, viper.New(), opts.ConfigFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("invalid environment value", func(t *testing.T) {
		fs, opts := newFlagSet(t)
		t.Setenv("RUNPOD_PROVIDER_TIMEOUT", "soon")

		err := loadConfig(fs, viper.New(), opts.ConfigFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})
}
