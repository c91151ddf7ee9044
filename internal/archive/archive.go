// Package archive selects and constructs the object store used for history
// exports.
package archive

import (
	"context"
	"fmt"
	"strings"

	"docledger/internal/archive/core"
	fsstore "docledger/internal/infra/archive/fs"
	memstore "docledger/internal/infra/archive/memory"
	s3store "docledger/internal/infra/archive/s3"
)

// Re-exported so callers need a single import.
type (
	Store      = core.Store
	Object     = core.Object
	PutOptions = core.PutOptions
	Driver     = core.Driver
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrExists      = core.ErrExists
	ErrMissing     = core.ErrMissing
)

// S3Config mirrors the blob.s3.* configuration keys.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Config selects a driver and its parameters.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open builds the store named by cfg.Driver; an empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(string(cfg.Driver))))
	switch driver {
	case "", DriverFilesystem:
		store, err := fsstore.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memstore.New(), nil
	case DriverS3:
		store, err := s3store.New(ctx, s3store.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}
