// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package s3store stores checkpoints in an S3 bucket (or any S3 compatible service, like MinIO).
//
// Importing it registers the "s3" scheme in package checkpoints, so checkpoint_dir and resume_source accept
// locations like "s3://bucket/runs/experiment-1":
//
//	import _ "github.com/gomlx/distrain/pkg/train/checkpoints/s3store"
//
// Credentials and region come from the default AWS configuration chain (environment, shared config files,
// instance roles). Set DISTRAIN_S3_ENDPOINT to use a custom endpoint, which also enables path style addressing.
package s3store

import (
	"bytes"
	"context"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scheme of the locations handled by this package.
const Scheme = "s3"

// EndpointEnv is the environment variable with a custom S3 endpoint URL.
const EndpointEnv = "DISTRAIN_S3_ENDPOINT"

func init() {
	checkpoints.RegisterScheme(Scheme, func(ctx context.Context, uri string) (checkpoints.Storage, error) {
		return Open(ctx, uri)
	})
}

// API is the subset of the S3 client used. *s3.Client implements it.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Storage implements checkpoints.Storage with the objects under a prefix of a bucket.
type Storage struct {
	client         API
	bucket, prefix string
}

var _ checkpoints.Storage = (*Storage)(nil)

// ParseURI splits "s3://bucket/some/prefix" into the bucket and the prefix ("some/prefix/", with a trailing
// slash, or empty).
func ParseURI(uri string) (bucket, prefix string, err error) {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found || !strings.EqualFold(scheme, Scheme) {
		return "", "", faults.Newf(faults.ErrConfiguration, "invalid S3 location %q: it must start with \"s3://\"", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", faults.Newf(faults.ErrConfiguration, "invalid S3 location %q: missing bucket", uri)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// Open creates the Storage of uri with a client from the default AWS configuration.
func Open(ctx context.Context, uri string) (*Storage, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, faults.Wrapf(faults.ErrConfiguration, err, "failed to load AWS configuration for %q", uri)
	}
	endpoint := os.Getenv(EndpointEnv)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	klog.V(1).Infof("checkpoint storage s3://%s/%s (region %q, endpoint %q)", bucket, prefix, cfg.Region, endpoint)
	return New(client, bucket, prefix), nil
}

// New creates a Storage using the given client. The prefix is used as given: include the trailing "/" if the
// objects are meant to be in a "directory".
func New(client API, bucket, prefix string) *Storage {
	return &Storage{client: client, bucket: bucket, prefix: prefix}
}

// Location implements checkpoints.Storage.
func (s *Storage) Location() string {
	if s.prefix == "" {
		return Scheme + "://" + s.bucket
	}
	return Scheme + "://" + s.bucket + "/" + strings.TrimSuffix(s.prefix, "/")
}

func (s *Storage) key(name string) string { return s.prefix + name }

// Put implements checkpoints.Storage. S3 writes of a single object are atomic.
func (s *Storage) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write s3://%s/%s", s.bucket, s.key(name))
	}
	return nil
}

// Get implements checkpoints.Storage.
func (s *Storage) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, faults.Wrapf(faults.ErrNotFound, err, "s3://%s/%s", s.bucket, s.key(name))
		}
		return nil, errors.Wrapf(err, "failed to read s3://%s/%s", s.bucket, s.key(name))
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read s3://%s/%s", s.bucket, s.key(name))
	}
	return data, nil
}

// List implements checkpoints.Storage. Only the objects directly under the prefix are listed.
func (s *Storage) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list s3://%s/%s", s.bucket, s.prefix)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements checkpoints.Storage. S3 doesn't fail on missing objects.
func (s *Storage) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return errors.Wrapf(err, "failed to delete s3://%s/%s", s.bucket, s.key(name))
}
