package quarantine

import (
	"context"
	"fmt"
	"os"
)

// StoreType selects a storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Type StoreType
	Dir  string
	S3   S3StoreConfig
	GCS  GCSStoreConfig
}

// ConfigFromEnv reads the store configuration.
//
// Environment variables:
//   - QUARANTINE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - QUARANTINE_DIR: directory for the fs store (default "quarantine")
//   - QUARANTINE_S3_BUCKET, QUARANTINE_S3_REGION (or AWS_REGION),
//     QUARANTINE_S3_ENDPOINT, QUARANTINE_S3_PREFIX
//   - QUARANTINE_GCS_BUCKET, QUARANTINE_GCS_PREFIX
func ConfigFromEnv() StoreConfig {
	cfg := StoreConfig{
		Type: StoreType(os.Getenv("QUARANTINE_STORAGE_TYPE")),
		Dir:  os.Getenv("QUARANTINE_DIR"),
		S3: S3StoreConfig{
			Bucket:   os.Getenv("QUARANTINE_S3_BUCKET"),
			Region:   os.Getenv("QUARANTINE_S3_REGION"),
			Endpoint: os.Getenv("QUARANTINE_S3_ENDPOINT"),
			Prefix:   os.Getenv("QUARANTINE_S3_PREFIX"),
		},
		GCS: GCSStoreConfig{
			Bucket: os.Getenv("QUARANTINE_GCS_BUCKET"),
			Prefix: os.Getenv("QUARANTINE_GCS_PREFIX"),
		},
	}
	if cfg.Type == "" {
		cfg.Type = StoreTypeFS
	}
	if cfg.Dir == "" {
		cfg.Dir = "quarantine"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = os.Getenv("AWS_REGION")
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	return cfg
}

// NewStore creates the configured store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreTypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "quarantine"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("QUARANTINE_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("QUARANTINE_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported quarantine storage type: %s", cfg.Type)
	}
}

// NewStoreFromEnv is NewStore(ctx, ConfigFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}
