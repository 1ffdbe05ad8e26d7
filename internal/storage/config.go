package storage

import "strings"

// Provider names the object-storage implementation behind a Config.
type Provider string

// Supported providers.
const (
	ProviderMemory Provider = "mem"
	ProviderDisk   Provider = "disk"
	ProviderS3     Provider = "s3"
	ProviderAWS    Provider = "aws"
	ProviderAzure  Provider = "azure"
)

// SSEKMS is the server-side encryption mode applied when a tenant KMS key is
// issued with scoped credentials.
const SSEKMS = "aws:kms"

// Config is the provider-neutral storage template. Scoped backends are built
// from a copy of it with credential fields replaced.
type Config struct {
	Provider       Provider
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	RootPath       string
	Insecure       bool
	ForcePathStyle bool
	PartSize       int64

	AccessKeyID    string
	AccessKeyValue string
	SessionToken   string
	ServerSideEnc  string
	KMSKeyID       string

	// BYOKEnabled routes calls through per-collection credentials.
	BYOKEnabled bool
	// CollectionIDIndexPath marks paths as laid out with the collection id
	// at a fixed segment.
	CollectionIDIndexPath bool

	AzureAccount    string
	AzureAccountKey string
	AzureSASToken   string

	DiskRoot string
}

// Clone returns an independent copy of c.
func (c Config) Clone() Config {
	return c
}

// SupportsBYOK reports whether the provider accepts access-key credentials.
func (c Config) SupportsBYOK() bool {
	switch c.Provider {
	case ProviderS3, ProviderAWS:
		return true
	default:
		return false
	}
}

// HasStaticCredentials reports whether an access key pair is pinned.
func (c Config) HasStaticCredentials() bool {
	return strings.TrimSpace(c.AccessKeyID) != "" && c.AccessKeyValue != ""
}

// Redacted returns a copy with secrets replaced by a marker, suitable for
// logging.
func (c Config) Redacted() Config {
	out := c
	if out.AccessKeyValue != "" {
		out.AccessKeyValue = RedactedMarker
	}
	if out.SessionToken != "" {
		out.SessionToken = RedactedMarker
	}
	if out.AzureAccountKey != "" {
		out.AzureAccountKey = RedactedMarker
	}
	if out.AzureSASToken != "" {
		out.AzureSASToken = RedactedMarker
	}
	return out
}

// RedactedMarker replaces secret values in logs and printed config.
const RedactedMarker = "[REDACTED]"
