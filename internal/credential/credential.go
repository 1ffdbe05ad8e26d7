// Package credential talks to the access manager, the remote service that
// issues short-lived, collection-scoped object-storage credentials.
package credential

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/correlation"
	"pkt.systems/scopedstore/internal/loggingutil"
)

const (
	// DefaultTimeout bounds a single GetCredentials round-trip.
	DefaultTimeout = 10 * time.Second
	// DefaultMethod is the full gRPC method name of GetCredentials.
	DefaultMethod = "/accessmanager.v1.AccessManager/GetCredentials"
	// RedactedMarker replaces secrets in logs.
	RedactedMarker = "[REDACTED]"
)

var (
	// ErrCredentialUnavailable reports a transport failure, timeout or
	// server-side error while fetching credentials.
	ErrCredentialUnavailable = errors.New("credential: unavailable")
	// ErrCredentialDenied reports that the access manager refused the request.
	ErrCredentialDenied = errors.New("credential: denied")
	// ErrCredentialMalformed reports a response that cannot be used.
	ErrCredentialMalformed = errors.New("credential: malformed response")
	// ErrInvalidRequest reports a request missing collection id or instance name.
	ErrInvalidRequest = errors.New("credential: invalid request")
)

// Config configures a Client.
type Config struct {
	// Address is the gRPC target of the access manager.
	Address string
	// TLS enables transport security. TLSConfig overrides the default
	// client configuration when set.
	TLS       bool
	TLSConfig *tls.Config
	// Method overrides DefaultMethod.
	Method string
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
	// Bucket is sent when a request leaves BucketName empty.
	Bucket string
	// ApplicationType is the enum value identifying the calling engine.
	ApplicationType int32
	Logger          pslog.Logger
	DialOptions     []grpc.DialOption
}

// Request describes one credential fetch.
type Request struct {
	CollectionID string
	InstanceName string
	BucketName   string
	WriteAccess  bool
	// Global requests credentials not bound to a collection. Collection id,
	// instance name and write access are omitted from the RPC.
	Global bool
}

// Record holds credentials issued by the access manager. Secret fields never
// appear in String output or log fields.
type Record struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	TenantKeyID     string
	// Expiration is the raw timestamp as issued; see ParseExpiration.
	Expiration string
}

// String implements fmt.Stringer with secrets redacted.
func (r Record) String() string {
	return fmt.Sprintf("Record{AccessKeyID:%s SecretAccessKey:%s SessionToken:%s TenantKeyID:%s Expiration:%s}",
		r.AccessKeyID, redact(r.SecretAccessKey), redact(r.SessionToken), r.TenantKeyID, r.Expiration)
}

// LogFields returns key/value pairs safe to pass to a logger.
func (r Record) LogFields() []any {
	return []any{
		"access_key_id", r.AccessKeyID,
		"secret_access_key", redact(r.SecretAccessKey),
		"session_token", redact(r.SessionToken),
		"has_tenant_key", r.TenantKeyID != "",
		"expiration", r.Expiration,
	}
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return RedactedMarker
}

// Client performs GetCredentials calls. It never retries.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	method  string
	timeout time.Duration
	bucket  string
	appType int32
	logger  pslog.Logger
	tracer  trace.Tracer
}

// Dial builds a Client connected to cfg.Address.
func Dial(cfg Config) (*Client, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("credential: access manager address required")
	}
	var creds credentials.TransportCredentials
	if cfg.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tlsCfg)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, cfg.DialOptions...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("credential: dial %s: %w", addr, err)
	}
	client := New(conn, cfg)
	client.closer = conn.Close
	return client, nil
}

// New wraps an existing connection.
func New(conn grpc.ClientConnInterface, cfg Config) *Client {
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = DefaultMethod
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		conn:    conn,
		method:  method,
		timeout: timeout,
		bucket:  cfg.Bucket,
		appType: cfg.ApplicationType,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "client.credential"),
		tracer:  otel.Tracer("pkt.systems/scopedstore/credential"),
	}
}

// Close releases the underlying connection when the client owns it.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

// Timeout reports the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Fetch performs one GetCredentials round-trip bounded by the client timeout.
func (c *Client) Fetch(ctx context.Context, req Request) (Record, error) {
	if err := c.validate(req); err != nil {
		return Record{}, err
	}
	bucket := req.BucketName
	if bucket == "" {
		bucket = c.bucket
	}
	wireReq := &getCredentialsRequest{
		ApplicationType: c.appType,
		BucketName:      bucket,
	}
	if !req.Global {
		wireReq.CollectionID = req.CollectionID
		wireReq.InstanceName = req.InstanceName
		wireReq.WriteAccess = req.WriteAccess
	}

	logger := loggingutil.FromContext(ctx, c.logger)
	ctx, span := c.tracer.Start(ctx, "scopedstore.credential.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("scopedstore.credential.collection_id", wireReq.CollectionID),
		attribute.Bool("scopedstore.credential.global", req.Global),
		attribute.Bool("scopedstore.credential.write_access", wireReq.WriteAccess),
	)

	begin := time.Now()
	logger.Trace("credential.fetch.begin",
		"collection_id", wireReq.CollectionID,
		"instance_name", wireReq.InstanceName,
		"bucket", bucket,
		"write_access", wireReq.WriteAccess,
		"global", req.Global,
	)
	callCtx, cancel := context.WithTimeout(correlation.Outgoing(ctx), c.timeout)
	defer cancel()
	resp := &getCredentialsResponse{}
	if err := c.conn.Invoke(callCtx, c.method, wireReq, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		mapped := mapError(err)
		span.RecordError(mapped)
		span.SetStatus(codes.Error, "credential_error")
		logger.Warn("credential.fetch.error",
			"collection_id", wireReq.CollectionID,
			"global", req.Global,
			"error", mapped,
			"elapsed", time.Since(begin),
		)
		return Record{}, mapped
	}
	record := Record{
		AccessKeyID:     resp.AccessKeyID,
		SecretAccessKey: resp.SecretAccessKey,
		SessionToken:    resp.SessionToken,
		TenantKeyID:     resp.TenantKeyID,
		Expiration:      resp.ExpirationTimestamp,
	}
	if err := checkRecord(record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential_malformed")
		logger.Warn("credential.fetch.malformed", append(record.LogFields(), "collection_id", wireReq.CollectionID, "error", err)...)
		return Record{}, err
	}
	span.SetStatus(codes.Ok, "")
	logger.Debug("credential.fetch.success",
		append(record.LogFields(),
			"collection_id", wireReq.CollectionID,
			"global", req.Global,
			"elapsed", time.Since(begin),
		)...,
	)
	return record, nil
}

func (c *Client) validate(req Request) error {
	if req.Global {
		return nil
	}
	if strings.TrimSpace(req.CollectionID) == "" {
		return fmt.Errorf("%w: collection id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.InstanceName) == "" {
		return fmt.Errorf("%w: instance name required", ErrInvalidRequest)
	}
	return nil
}

func checkRecord(r Record) error {
	var missing []string
	if r.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if r.SecretAccessKey == "" {
		missing = append(missing, "secret_access_key")
	}
	if r.Expiration == "" {
		missing = append(missing, "expiration_timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrCredentialMalformed, strings.Join(missing, ", "))
	}
	return nil
}

func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}
	switch st.Code() {
	case grpccodes.PermissionDenied, grpccodes.Unauthenticated:
		return fmt.Errorf("%w: %s: %s", ErrCredentialDenied, st.Code(), st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", ErrCredentialUnavailable, st.Code(), st.Message())
	}
}
