package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/scopedstore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage scopedstore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.scopedstore/" + scopedstore.DefaultConfigFileName
	if dir, err := scopedstore.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, scopedstore.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default scopedstore configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := scopedstore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, scopedstore.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                      string  `yaml:"store"`
	RootPath                   string  `yaml:"root-path"`
	BYOK                       bool    `yaml:"byok"`
	CollectionIDIndexPath      bool    `yaml:"collection-id-index-path"`
	AccessManagerURL           string  `yaml:"access-manager-url"`
	AccessManagerTLS           bool    `yaml:"access-manager-tls"`
	AccessManagerMethod        string  `yaml:"access-manager-method"`
	AccessManagerTimeout       string  `yaml:"access-manager-timeout"`
	InstanceName               string  `yaml:"instance-name"`
	ApplicationType            int32   `yaml:"application-type"`
	WriteAccess                string  `yaml:"write-access"`
	CollectionSegmentIndex     int     `yaml:"collection-segment-index"`
	CredentialRefreshThreshold string  `yaml:"credential-refresh-threshold"`
	CacheMaxEntries            int     `yaml:"cache-max-entries"`
	S3SSE                      string  `yaml:"s3-sse"`
	S3KMSKeyID                 string  `yaml:"s3-kms-key-id"`
	S3MaxPartSize              string  `yaml:"s3-max-part-size"`
	AWSRegion                  string  `yaml:"aws-region"`
	AWSKMSKeyID                string  `yaml:"aws-kms-key-id"`
	AzureEndpoint              string  `yaml:"azure-endpoint"`
	StorageRetryMaxAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay      string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier     float64 `yaml:"storage-retry-multiplier"`
	MetricsListen              string  `yaml:"metrics-listen"`
	PprofListen                string  `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint               string  `yaml:"otlp-endpoint"`
	LogLevel                   string  `yaml:"log-level"`
}

// defaultConfigYAML renders the defaults. Credentials are never written;
// supply them through SCOPEDSTORE_* environment variables.
func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                      scopedstore.DefaultStore,
		AccessManagerMethod:        scopedstore.DefaultAccessManagerMethod,
		AccessManagerTimeout:       scopedstore.DefaultAccessManagerTimeout.String(),
		WriteAccess:                scopedstore.DefaultWriteAccess,
		CollectionSegmentIndex:     -1,
		CredentialRefreshThreshold: "0s",
		S3MaxPartSize:              humanizeBytes(scopedstore.DefaultS3MaxPartSize),
		StorageRetryMaxAttempts:    scopedstore.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:      scopedstore.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       scopedstore.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:     scopedstore.DefaultStorageRetryMultiplier,
		LogLevel:                   "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
