package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/podscale/runpod-node-provider/internal/logging"
	"github.com/podscale/runpod-node-provider/pkg/audit"
	"github.com/podscale/runpod-node-provider/pkg/metrics"
	"github.com/podscale/runpod-node-provider/pkg/provider"
	"github.com/podscale/runpod-node-provider/pkg/runpod/client"
	"github.com/podscale/runpod-node-provider/pkg/runpod/credentials"
	"github.com/podscale/runpod-node-provider/pkg/tracing"
)

// app carries the state shared by all subcommands
type app struct {
	opts  *Options
	viper *viper.Viper

	logger *zap.Logger
	audit  *audit.AuditLogger
	tracer *tracing.Tracer

	// closers run in reverse order when the command finishes
	closers []func() error

	// httpClient replaces the RunPod HTTP client, for tests
	httpClient *http.Client

	// clientset replaces the clientset built from the kubeconfig, for tests
	clientset kubernetes.Interface
}

func newApp() *app {
	return &app{
		opts:  NewDefaultOptions(),
		viper: viper.New(),
	}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runpod-provider",
		Short: "RunPod node provider for cluster autoscaling",
		Long: `runpod-provider manages the RunPod pods that make up a cluster.

Pods belong to a cluster when their cluster-name tag equals --cluster-name.
Every flag can also be set in a config file or through an environment
variable named RUNPOD_PROVIDER_<FLAG>, e.g. RUNPOD_PROVIDER_CLUSTER_NAME.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	addFlags(cmd.PersistentFlags(), a.opts)

	cmd.AddCommand(
		a.nodesCommand(),
		a.serveCommand(),
		versionCommand(),
	)
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "RunPod Node Provider\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Build Date: %s\n", BuildDate)
		},
	}
}

// setup loads configuration and builds the logger, tracer and audit logger
func (a *app) setup(cmd *cobra.Command) error {
	if err := loadConfig(cmd.Root().PersistentFlags(), a.viper, a.opts.ConfigFile); err != nil {
		return err
	}
	if err := a.opts.Complete(); err != nil {
		return fmt.Errorf("failed to complete options: %w", err)
	}
	if err := a.opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	logger, err := logging.NewLogger(a.opts.LogLevel, a.opts.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger.With(zap.String("cluster", a.opts.ClusterName))
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync()
		return nil
	})

	// controller-runtime packages log through logr
	ctrllog.SetLogger(logging.NewZapLogger(a.logger))

	metrics.RegisterMetrics()

	tracer, err := tracing.NewTracer(&tracing.Config{
		DSN:              a.opts.SentryDSN,
		Environment:      a.opts.SentryEnvironment,
		Release:          Version,
		TracesSampleRate: a.opts.SentryTracesSampleRate,
		ErrorSampleRate:  1.0,
	}, a.logger)
	if err != nil {
		return err
	}
	a.tracer = tracer
	a.closers = append(a.closers, func() error {
		tracer.Close()
		return nil
	})

	var sinks []audit.EventSink
	if a.opts.AuditFile != "" {
		f, err := os.OpenFile(a.opts.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, audit.NewWriterSink(f))
	}
	a.audit = audit.NewAuditLogger(&audit.AuditLoggerConfig{
		Enabled:      a.opts.Audit,
		Logger:       a.logger,
		DefaultActor: "runpod-provider",
		EventSinks:   sinks,
	})
	a.closers = append(a.closers, a.audit.Close)

	a.logger.Debug("Configuration loaded",
		zap.String("configFile", a.viper.ConfigFileUsed()),
		zap.String("apiEndpoint", a.opts.APIEndpoint),
		zap.String("apiKeySource", credentials.Scheme(a.opts.APIKeyRef)),
		zap.String("kubeconfig", getKubeconfigPath(a.opts.Kubeconfig)),
	)
	return nil
}

// teardown releases everything setup and newProvider created
func (a *app) teardown() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// newProvider resolves credentials and builds the provider for the configured cluster
func (a *app) newProvider(ctx context.Context) (*provider.Provider, error) {
	resolverOpts := []credentials.Option{
		credentials.WithLogger(a.logger),
		credentials.WithDefaultNamespace(a.opts.SecretNamespace),
	}
	if a.opts.needsKubernetes() {
		clientset, err := a.kubernetesClient()
		if err != nil {
			return nil, err
		}
		resolverOpts = append(resolverOpts, credentials.WithClientset(clientset))
	}

	// zero retries must survive the client's defaulting, which treats 0 as unset
	maxRetries := a.opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	p, err := provider.NewFromConfig(ctx,
		provider.ProviderConfig{
			Region:    a.opts.Region,
			APIKeyRef: a.opts.APIKeyRef,
			SSHKeyRef: a.opts.SSHKeyRef,
		},
		a.opts.ClusterName,
		credentials.NewRefResolver(resolverOpts...),
		&provider.Options{
			Logger: a.logger,
			Audit:  a.audit,
			Tracer: a.tracer,
			ClientOptions: &client.ClientOptions{
				BaseURL:     a.opts.APIEndpoint,
				HTTPClient:  a.httpClient,
				Timeout:     a.opts.Timeout,
				RateLimit:   a.opts.RateLimit,
				UserAgent:   "runpod-provider/" + Version,
				RetryConfig: &client.RetryConfig{MaxRetries: maxRetries},
			},
		},
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

func (a *app) kubernetesClient() (kubernetes.Interface, error) {
	if a.clientset != nil {
		return a.clientset, nil
	}
	config, err := buildKubeConfig(a.opts.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return clientset, nil
}

// buildKubeConfig creates a Kubernetes client configuration
func buildKubeConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	return config, nil
}

// getKubeconfigPath describes where Kubernetes configuration is read from
func getKubeconfigPath(kubeconfig string) string {
	if kubeconfig == "" {
		return "in-cluster"
	}
	return kubeconfig
}
