package scopedstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/scopedstore/internal/storage"
	awsstore "pkt.systems/scopedstore/internal/storage/aws"
	azurestore "pkt.systems/scopedstore/internal/storage/azure"
	"pkt.systems/scopedstore/internal/storage/disk"
	"pkt.systems/scopedstore/internal/storage/memory"
	"pkt.systems/scopedstore/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for the shared
// object-storage backend.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// StorageTemplate parses Store and the provider options into the template
// from which the shared backend and every scoped backend are built.
func (c Config) StorageTemplate() (storage.Config, error) {
	u, err := url.Parse(c.Store)
	if err != nil {
		return storage.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	var tmpl storage.Config
	switch u.Scheme {
	case "memory", "mem", "":
		tmpl = storage.Config{Provider: storage.ProviderMemory}
	case "s3":
		tmpl, _, err = BuildGenericS3Config(c)
	case "aws":
		tmpl, _, err = BuildAWSConfig(c)
	case "disk":
		tmpl, err = BuildDiskConfig(c)
	case "azure":
		tmpl, err = BuildAzureConfig(c)
	default:
		return storage.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if err != nil {
		return storage.Config{}, err
	}
	tmpl.RootPath = c.RootPath
	tmpl.BYOKEnabled = c.BYOK
	tmpl.CollectionIDIndexPath = c.CollectionIDIndexPath
	return tmpl, nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (storage.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	accessKey, secretKey, sessionToken, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return storage.Config{}, summary, err
	}
	return storage.Config{
		Provider:       storage.ProviderS3,
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		PartSize:       cfg.S3MaxPartSize,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		AccessKeyID:    accessKey,
		AccessKeyValue: secretKey,
		SessionToken:   sessionToken,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg Config) (storage.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return storage.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or SCOPEDSTORE_AWS_REGION)")
	}
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return storage.Config{
		Provider:       storage.ProviderAWS,
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg Config) (string, string, string, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("SCOPEDSTORE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("SCOPEDSTORE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("SCOPEDSTORE_S3_SESSION_TOKEN")
		source = "env:SCOPEDSTORE_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return "", "", "", summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return "", "", "", summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return accessKey, secretKey, sessionToken, summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (storage.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storage.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return storage.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return storage.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	container := parts[0]
	if container == "" {
		return storage.Config{}, fmt.Errorf("azure store missing container name")
	}
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("SCOPEDSTORE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("SCOPEDSTORE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	if account == "" {
		return storage.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return storage.Config{
		Provider:        storage.ProviderAzure,
		Endpoint:        endpoint,
		Bucket:          container,
		Prefix:          prefix,
		AzureAccount:    account,
		AzureAccountKey: accountKey,
		AzureSASToken:   sas,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs.
func BuildDiskConfig(cfg Config) (storage.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return storage.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return storage.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return storage.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/scopedstore)")
	}
	return storage.Config{
		Provider: storage.ProviderDisk,
		DiskRoot: filepath.Clean(pathPart),
	}, nil
}

// openBackend builds the raw backend for cfg. Callers wrap it with retry and
// logging.
func openBackend(cfg storage.Config) (storage.Backend, error) {
	switch cfg.Provider {
	case storage.ProviderMemory, "":
		return memory.New(), nil
	case storage.ProviderS3:
		store, err := s3.New(s3.Config{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Insecure:        cfg.Insecure,
			ForcePathStyle:  cfg.ForcePathStyle,
			PartSize:        cfg.PartSize,
			ServerSideEnc:   cfg.ServerSideEnc,
			KMSKeyID:        cfg.KMSKeyID,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.AccessKeyValue,
			SessionToken:    cfg.SessionToken,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case storage.ProviderAWS:
		store, err := awsstore.New(awsstore.Config{
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Insecure:        cfg.Insecure,
			ForcePathStyle:  cfg.ForcePathStyle,
			ServerSideEnc:   cfg.ServerSideEnc,
			KMSKeyID:        cfg.KMSKeyID,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.AccessKeyValue,
			SessionToken:    cfg.SessionToken,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case storage.ProviderDisk:
		store, err := disk.New(disk.Config{Root: cfg.DiskRoot})
		if err != nil {
			return nil, err
		}
		return store, nil
	case storage.ProviderAzure:
		store, err := azurestore.New(azurestore.Config{
			Account:    cfg.AzureAccount,
			AccountKey: cfg.AzureAccountKey,
			Endpoint:   cfg.Endpoint,
			SASToken:   cfg.AzureSASToken,
			Container:  cfg.Bucket,
			Prefix:     cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("store provider %q not supported", cfg.Provider)
	}
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

func ensureObjectStoreReady(ctx context.Context, backend storage.Backend, bucket string) error {
	checker, ok := backend.(bucketChecker)
	if !ok {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := checker.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}
