package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore"
	"pkt.systems/scopedstore/internal/correlation"
	"pkt.systems/scopedstore/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SCOPEDSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "scopedstore")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := scopedstore.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, scopedstore.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scopedstore",
		Short:         "scopedstore reads and writes objects through collection-scoped storage credentials",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Shared MinIO bucket (TLS on by default; append ?insecure=1 for HTTP)
  SCOPEDSTORE_S3_ACCESS_KEY_ID=minioadmin SCOPEDSTORE_S3_SECRET_ACCESS_KEY=minioadmin \
    scopedstore --store 's3://localhost:9000/milvus?insecure=1' ls files/

  # Per-collection credentials from the access manager
  INSTANCE_NAME=engine-a ACCESS_MANAGER_SERVICE_URL=access-manager:50051 \
    scopedstore --store 's3://minio:9000/milvus' --root-path files --byok get files/insert_log/42/7/1 -o seg.bin

  # Show how a path would be routed
  scopedstore --byok --root-path files resolve files/insert_log/42/7/1 --op write

  # Local disk store
  scopedstore --store disk:///var/lib/scopedstore put files/a/1/x -f ./x
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", fmt.Sprintf("path to YAML config file (defaults to $HOME/.scopedstore/%s)", scopedstore.DefaultConfigFileName))
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("store", scopedstore.DefaultStore, "storage URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix], aws://bucket[/prefix], azure://account/container[/prefix])")
	persistentFlags.String("root-path", "", "logical root below which collection paths live")
	persistentFlags.Bool("byok", false, "resolve per-collection credentials from the access manager")
	persistentFlags.Bool("collection-id-index-path", false, "report collection-id based index paths to callers")
	persistentFlags.String("access-manager-url", "", "access manager gRPC address (falls back to "+scopedstore.EnvAccessManagerURL+")")
	persistentFlags.Bool("access-manager-tls", false, "use TLS when dialling the access manager")
	persistentFlags.String("access-manager-method", scopedstore.DefaultAccessManagerMethod, "full gRPC method name of the credential call")
	persistentFlags.Duration("access-manager-timeout", scopedstore.DefaultAccessManagerTimeout, "deadline for one credential request")
	persistentFlags.String("instance-name", "", "engine instance name sent with credential requests (falls back to "+scopedstore.EnvInstanceName+")")
	persistentFlags.Int32("application-type", 0, "application type sent with credential requests")
	persistentFlags.String("write-access", scopedstore.DefaultWriteAccess, "when to request write credentials (always or operation)")
	persistentFlags.Int("collection-segment-index", -1, "path segment holding the collection id (-1 derives it from --root-path)")
	persistentFlags.Duration("credential-refresh-threshold", 0, "refresh credentials this long before they expire (0 refreshes on expiry)")
	persistentFlags.Int("cache-max-entries", 0, "maximum cached scoped backends (0 is unbounded)")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for S3 objects (e.g. AES256, aws:kms)")
	persistentFlags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	persistentFlags.String("s3-max-part-size", humanizeBytes(scopedstore.DefaultS3MaxPartSize), "maximum multipart upload part size (e.g. 16MiB)")
	persistentFlags.String("s3-access-key-id", "", "static access key for the shared S3 backend")
	persistentFlags.String("s3-secret-access-key", "", "static secret key for the shared S3 backend")
	persistentFlags.String("s3-session-token", "", "session token for the shared S3 backend")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("aws-kms-key-id", "", "KMS key ID for aws:// stores")
	persistentFlags.String("azure-key", "", "Azure shared key")
	persistentFlags.String("azure-endpoint", "", "Azure blob endpoint override")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token")
	persistentFlags.Int("storage-retry-attempts", scopedstore.DefaultStorageRetryMaxAttempts, "storage operation attempts (1 disables retries)")
	persistentFlags.Duration("storage-retry-base-delay", scopedstore.DefaultStorageRetryBaseDelay, "initial storage retry backoff")
	persistentFlags.Duration("storage-retry-max-delay", scopedstore.DefaultStorageRetryMaxDelay, "maximum storage retry backoff")
	persistentFlags.Float64("storage-retry-multiplier", scopedstore.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")
	persistentFlags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	persistentFlags.String("pprof-listen", "", "pprof listen address (empty disables)")
	persistentFlags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := persistentFlags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SCOPEDSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"store", "root-path", "byok", "collection-id-index-path",
		"access-manager-url", "access-manager-tls", "access-manager-method", "access-manager-timeout",
		"instance-name", "application-type", "write-access", "collection-segment-index",
		"credential-refresh-threshold", "cache-max-entries",
		"s3-sse", "s3-kms-key-id", "s3-max-part-size", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"aws-region", "aws-kms-key-id", "azure-key", "azure-endpoint", "azure-sas-token",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	session := &cliSession{baseLogger: baseLogger}
	cmd.AddCommand(newExistCommand(session))
	cmd.AddCommand(newSizeCommand(session))
	cmd.AddCommand(newGetCommand(session))
	cmd.AddCommand(newPutCommand(session))
	cmd.AddCommand(newRemoveCommand(session))
	cmd.AddCommand(newRemovePrefixCommand(session))
	cmd.AddCommand(newListCommand(session))
	cmd.AddCommand(newResolveCommand(session))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *scopedstore.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.RootPath = viper.GetString("root-path")
	cfg.BYOK = viper.GetBool("byok")
	cfg.CollectionIDIndexPath = viper.GetBool("collection-id-index-path")
	cfg.AccessManagerURL = viper.GetString("access-manager-url")
	cfg.AccessManagerTLS = viper.GetBool("access-manager-tls")
	cfg.AccessManagerMethod = viper.GetString("access-manager-method")
	cfg.AccessManagerTimeout = viper.GetDuration("access-manager-timeout")
	cfg.InstanceName = viper.GetString("instance-name")
	cfg.ApplicationType = viper.GetInt32("application-type")
	cfg.WriteAccess = viper.GetString("write-access")
	if idx := viper.GetInt("collection-segment-index"); idx >= 0 {
		cfg.CollectionSegmentIndex = idx
		cfg.CollectionSegmentIndexSet = true
	}
	cfg.CredentialRefreshThreshold = viper.GetDuration("credential-refresh-threshold")
	cfg.CacheMaxEntries = viper.GetInt("cache-max-entries")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	if raw := strings.TrimSpace(viper.GetString("s3-max-part-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse s3-max-part-size: %w", err)
		}
		cfg.S3MaxPartSize = int64(size)
	}
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

// cliSession builds the store for one subcommand invocation.
type cliSession struct {
	baseLogger pslog.Logger
}

// config loads the config file and binds flags, env and file values into a
// store configuration.
func (s *cliSession) config(cmd *cobra.Command) (scopedstore.Config, pslog.Logger, error) {
	logger := s.baseLogger
	level := strings.TrimSpace(viper.GetString("log-level"))
	if level == "" {
		level = "info"
	}
	if parsed, ok := pslog.ParseLevel(level); ok {
		logger = logger.LogLevel(parsed)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli."+cmd.Name())

	var cfg scopedstore.Config
	configFile, err := loadConfigFile()
	if err != nil {
		return cfg, nil, err
	}
	if configFile != "" {
		cliLogger.Debug("loaded config file", "path", configFile)
	}
	if err := bindConfig(&cfg); err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// open loads configuration, tags ctx with a fresh correlation id and builds
// the store. The caller closes the returned store.
func (s *cliSession) open(cmd *cobra.Command) (context.Context, *scopedstore.Store, error) {
	cfg, logger, err := s.config(cmd)
	if err != nil {
		return nil, nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = correlation.Set(ctx, correlation.Generate())
	logger = logger.With("cid", correlation.ID(ctx))
	ctx = pslog.ContextWithLogger(ctx, logger)

	store, err := scopedstore.New(ctx, cfg, scopedstore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return ctx, store, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
