// Package storage archives the data handed between pipeline stages, so each
// run's extract and transform outputs can be audited or replayed later.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// HandoffRef identifies one stage output of one run.
type HandoffRef struct {
	LogicalDate string // YYYY-MM-DD
	RunID       string
	Stage       string // "extract" | "transform"
}

// Key returns the object key for a file within this handoff.
func (r HandoffRef) Key(prefix, file string) string {
	return fmt.Sprintf("%s%s/%s", prefix, r.Dir(), file)
}

// ManifestKey returns the object key of this handoff's manifest.
func (r HandoffRef) ManifestKey(prefix string) string {
	return r.Key(prefix, "_manifest.json")
}

// Dir returns the prefix-relative directory for this handoff.
func (r HandoffRef) Dir() string {
	return fmt.Sprintf("runs/date=%s/run=%s/%s", r.LogicalDate, r.RunID, r.Stage)
}

// Manifest describes the files written for a handoff. It is written last;
// a handoff without a manifest is incomplete.
type Manifest struct {
	Handoff   HandoffInfo         `json:"handoff"`
	Files     map[string]FileInfo `json:"files"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// HandoffInfo echoes the HandoffRef.
type HandoffInfo struct {
	LogicalDate string `json:"logical_date"`
	RunID       string `json:"run_id"`
	Stage       string `json:"stage"`
}

// FileInfo describes a single archived file.
type FileInfo struct {
	File     string `json:"file"`
	Format   string `json:"format"` // "json+zstd" | "parquet"
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the handoff.
type ProducerInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	GitSHA        string `json:"git_sha,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Store abstracts an object store.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Backend names the store type, for logs and metrics.
	Backend() string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "none" | "local" | "gcs" | "s3" | "minio"

	// Local filesystem
	LocalDir string

	// Object stores
	Bucket   string
	Endpoint string // custom endpoint for S3-compatibles and MinIO
	Region   string

	// MinIO credentials
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewStore creates a storage backend based on configuration. It returns a
// nil Store for the "none" backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Endpoint, cfg.Region)
	case "minio":
		if cfg.Bucket == "" || cfg.Endpoint == "" {
			return nil, fmt.Errorf("Bucket and Endpoint required for minio backend")
		}
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
