/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package report

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
)

const (
	DefaultPrefix = "vmconform/runs"
	defaultRegion = "us-east-1"
)

var ErrNoBucket = errors.New("s3 bucket is required")

// S3Config configures the S3 publisher. AccessKeyID and SecretAccessKey are optional; the
// default credential chain of the SDK is not consulted when they are empty.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	EndpointURL     string `json:"endpointURL,omitempty"`
	ForcePathStyle  bool   `json:"forcePathStyle,omitempty"`
	AccessKeyID     string `json:"accessKeyID,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

// Publisher copies the report files of a run to remote storage.
type Publisher interface {
	// Publish uploads every file under dir and returns the object URLs.
	Publish(ctx context.Context, runID, dir string) ([]string, error)
}

// objectPutter is the subset of *s3.Client used by the publisher.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Publisher struct {
	cfg    S3Config
	client objectPutter
	log    logr.Logger
}

var _ Publisher = (*s3Publisher)(nil)

// NewS3Publisher builds a publisher for S3-compatible storage.
func NewS3Publisher(cfg S3Config, log logr.Logger) (Publisher, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = defaultRegion
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
	})

	return newS3Publisher(cfg, client, log), nil
}

func newS3Publisher(cfg S3Config, client objectPutter, log logr.Logger) *s3Publisher {
	return &s3Publisher{cfg: cfg, client: client, log: log.WithName("s3-publisher")}
}

func (p *s3Publisher) Publish(ctx context.Context, runID, dir string) ([]string, error) {
	prefix := p.prefix(runID)

	var urls []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		if err := p.put(ctx, path, key); err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}
		urls = append(urls, "s3://"+p.cfg.Bucket+"/"+key)
		return nil
	})
	if err != nil {
		return urls, fmt.Errorf("publishing %s: %w", dir, err)
	}

	p.log.Info("published run report", "runID", runID, "bucket", p.cfg.Bucket, "prefix", prefix, "files", len(urls))
	return urls, nil
}

func (p *s3Publisher) put(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	p.log.V(1).Info("uploading file", "key", key)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(path)),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}
	return nil
}

func (p *s3Publisher) prefix(runID string) string {
	prefix := p.cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.TrimRight(prefix, "/") + "/" + runID
}

func contentType(path string) string {
	if filepath.Ext(path) == ".txt" {
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
