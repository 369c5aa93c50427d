package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veritide-labs/veritide-go/internal/platform/env"
)

type Config struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Region            string
	UseSSL            bool
	BucketSubmissions string
	BucketBundles     string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("VERITIDE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:          env.String("VERITIDE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:         env.String("VERITIDE_MINIO_ACCESS_KEY", "veritide"),
		SecretKey:         env.String("VERITIDE_MINIO_SECRET_KEY", "veritideminio"),
		Region:            env.String("VERITIDE_MINIO_REGION", "us-east-1"),
		UseSSL:            useSSL,
		BucketSubmissions: env.String("VERITIDE_MINIO_BUCKET_SUBMISSIONS", "submissions"),
		BucketBundles:     env.String("VERITIDE_MINIO_BUCKET_BUNDLES", "run-bundles"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketSubmissions) == "" {
		return errors.New("submissions bucket is required")
	}
	if strings.TrimSpace(c.BucketBundles) == "" {
		return errors.New("bundles bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
