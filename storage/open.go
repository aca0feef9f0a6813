package storage

import (
	"context"
	"fmt"
	"time"
)

// Config selects and configures an object store.
type Config struct {
	// Type is one of s3, file, mem or blob.
	Type      string        `yaml:"type"`
	Path      string        `yaml:"path"`
	URL       string        `yaml:"url"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Endpoint  string        `yaml:"endpoint"`
	Region    string        `yaml:"region"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Open builds the store described by cfg. An empty type with a bucket
// set means s3, an empty type otherwise means a local directory.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	kind := cfg.Type
	if kind == "" {
		if cfg.Bucket != "" {
			kind = "s3"
		} else {
			kind = "file"
		}
	}

	var (
		s   Storage
		err error
	)
	switch kind {
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires a bucket")
		}
		client, cerr := NewS3Client(ctx, cfg)
		if cerr != nil {
			return nil, cerr
		}
		s = NewS3Storage(client, cfg.Bucket, cfg.Prefix)
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file storage requires a path")
		}
		s, err = NewFileStorage(cfg.Path)
	case "mem":
		s, err = OpenBlobStorage(ctx, "mem://", cfg.Prefix)
	case "blob":
		if cfg.URL == "" {
			return nil, fmt.Errorf("blob storage requires a url")
		}
		s, err = OpenBlobStorage(ctx, cfg.URL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return WithTimeout(s, timeout), nil
}
