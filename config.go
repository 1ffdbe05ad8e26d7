package scopedstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/router"
)

const (
	// DefaultStore points at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultAccessManagerTimeout bounds a single credential request.
	DefaultAccessManagerTimeout = credential.DefaultTimeout
	// DefaultAccessManagerMethod is the full gRPC method for credential requests.
	DefaultAccessManagerMethod = credential.DefaultMethod
	// DefaultWriteAccess requests write credentials for every operation.
	DefaultWriteAccess = string(router.WriteAccessAlways)
	// DefaultS3MaxPartSize tunes multipart uploads to S3-compatible stores.
	DefaultS3MaxPartSize = 16 * 1024 * 1024
	// DefaultStorageRetryMaxAttempts disables retries of transient storage
	// errors unless raised.
	DefaultStorageRetryMaxAttempts = 1
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultRemovePrefixBatch is the number of concurrent deletes issued by
	// RemoveWithPrefix.
	DefaultRemovePrefixBatch = 10
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Legacy environment variables honoured when the corresponding option is
// empty.
const (
	EnvInstanceName     = "INSTANCE_NAME"
	EnvAccessManagerURL = "ACCESS_MANAGER_SERVICE_URL"
)

// Config captures the tunables for a Store.
type Config struct {
	// Store is the backend URL: mem://, disk:///path, s3://host/bucket,
	// aws://bucket or azure://account/container.
	Store string
	// RootPath is the logical root below which collection paths live. It
	// also decides the collection segment index unless
	// CollectionSegmentIndexSet is true.
	RootPath string
	// BYOK enables per-collection credentials.
	BYOK                  bool
	CollectionIDIndexPath bool

	AccessManagerURL     string
	AccessManagerTLS     bool
	AccessManagerMethod  string
	AccessManagerTimeout time.Duration
	InstanceName         string
	ApplicationType      int32
	// WriteAccess is "always" or "operation".
	WriteAccess string

	CollectionSegmentIndex    int
	CollectionSegmentIndexSet bool

	CredentialRefreshThreshold time.Duration
	CacheMaxEntries            int

	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     int64
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string

	AWSRegion   string
	AWSKMSKeyID string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
}

// Validate fills defaults and reports configuration errors.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.RootPath = strings.Trim(strings.TrimSpace(c.RootPath), "/")
	if strings.TrimSpace(c.InstanceName) == "" {
		c.InstanceName = strings.TrimSpace(os.Getenv(EnvInstanceName))
	}
	if strings.TrimSpace(c.AccessManagerURL) == "" {
		c.AccessManagerURL = strings.TrimSpace(os.Getenv(EnvAccessManagerURL))
	}
	if c.AccessManagerMethod == "" {
		c.AccessManagerMethod = DefaultAccessManagerMethod
	}
	if !strings.HasPrefix(c.AccessManagerMethod, "/") {
		return fmt.Errorf("config: access manager method must be a full method name (/pkg.Service/Method)")
	}
	if c.AccessManagerTimeout < 0 {
		return fmt.Errorf("config: access manager timeout must be >= 0")
	}
	if c.AccessManagerTimeout == 0 {
		c.AccessManagerTimeout = DefaultAccessManagerTimeout
	}
	policy, err := router.ParseWriteAccessPolicy(c.WriteAccess)
	if err != nil {
		return fmt.Errorf("config: write access: %w", err)
	}
	c.WriteAccess = string(policy)
	if c.CollectionSegmentIndexSet && c.CollectionSegmentIndex < 0 {
		c.CollectionSegmentIndexSet = false
	}
	if c.CredentialRefreshThreshold < 0 {
		return fmt.Errorf("config: credential refresh threshold must be >= 0")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("config: cache max entries must be >= 0")
	}
	if c.S3MaxPartSize <= 0 {
		c.S3MaxPartSize = DefaultS3MaxPartSize
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.BYOK {
		template, err := c.StorageTemplate()
		if err != nil {
			return err
		}
		if !template.SupportsBYOK() {
			return fmt.Errorf("config: byok requires an s3:// or aws:// store, got %s", template.Provider)
		}
		if c.AccessManagerURL == "" {
			return fmt.Errorf("config: byok requires access-manager-url (or %s)", EnvAccessManagerURL)
		}
		if strings.TrimSpace(c.InstanceName) == "" {
			return fmt.Errorf("config: byok requires instance-name (or %s)", EnvInstanceName)
		}
	}
	return nil
}

// SegmentIndex returns the path segment holding the collection id.
func (c Config) SegmentIndex() int {
	if c.CollectionSegmentIndexSet {
		return c.CollectionSegmentIndex
	}
	return router.RootOffsetResolver{RootPath: c.RootPath}.Index()
}

func (c Config) pathResolver() router.Resolver {
	if c.CollectionSegmentIndexSet {
		return router.SegmentResolver{Index: c.CollectionSegmentIndex}
	}
	return router.RootOffsetResolver{RootPath: c.RootPath}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.scopedstore).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SCOPEDSTORE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scopedstore"), nil
}
