// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package s3store

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gomlx/distrain/pkg/train/checkpoints"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/gomlx/distrain/pkg/train/runconfig"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps the objects of a single bucket in memory.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) checkBucket(bucket *string) error {
	if aws.ToString(bucket) != f.bucket {
		return &types.NoSuchBucket{Message: bucket}
	}
	return nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, found := f.objects[aws.ToString(in.Key)]
	if !found {
		return nil, &types.NoSuchKey{Message: in.Key}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(bytes.Clone(data)))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestParseURI(t *testing.T) {
	for _, tc := range []struct {
		uri, bucket, prefix string
	}{
		{"s3://models", "models", ""},
		{"s3://models/", "models", ""},
		{"s3://models/runs/exp1", "models", "runs/exp1/"},
		{"S3://models/runs/exp1/", "models", "runs/exp1/"},
	} {
		bucket, prefix, err := ParseURI(tc.uri)
		require.NoError(t, err, tc.uri)
		assert.Equal(t, tc.bucket, bucket, tc.uri)
		assert.Equal(t, tc.prefix, prefix, tc.uri)
	}
	for _, uri := range []string{"models/runs", "gs://models/runs", "s3:///runs"} {
		_, _, err := ParseURI(uri)
		assert.True(t, errors.Is(err, faults.ErrConfiguration), uri)
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3("models")
	s := New(fake, "models", "runs/exp1/")
	assert.Equal(t, "s3://models/runs/exp1", s.Location())
	assert.Equal(t, "s3://models", New(fake, "models", "").Location())

	require.NoError(t, s.Put(ctx, "b.json", []byte("b")))
	require.NoError(t, s.Put(ctx, "a.json", []byte("a")))
	fake.objects["runs/exp1/nested/c.json"] = []byte("c")
	fake.objects["runs/other/d.json"] = []byte("d")

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)

	got, err := s.Get(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	_, err = s.Get(ctx, "missing.json")
	assert.True(t, errors.Is(err, faults.ErrNotFound), "got %v", err)

	require.NoError(t, s.Delete(ctx, "a.json"))
	require.NoError(t, s.Delete(ctx, "a.json"))
	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.json"}, names)

	wrongBucket := New(fake, "other", "")
	_, err = wrongBucket.Get(ctx, "b.json")
	require.Error(t, err)
	assert.False(t, errors.Is(err, faults.ErrNotFound))
}

func TestStoreOnS3(t *testing.T) {
	ctx := context.Background()
	store := checkpoints.NewStore(New(newFakeS3("models"), "models", "runs/exp1/"), 0, checkpoints.WithKeep(1))
	for epoch := 1; epoch <= 2; epoch++ {
		bundle := &checkpoints.Bundle{
			State:         checkpoints.State{Epoch: epoch, GlobalStep: int64(10 * epoch), BestScore: 0.5},
			Config:        runconfig.Default(),
			OptimizerKind: "adamw",
			ScheduleKind:  "onecycle",
			Model:         []byte{1, 2, 3},
			Optimizer:     []byte(`{"step":1}`),
		}
		require.NoError(t, store.Save(ctx, bundle, checkpoints.EpochTag(epoch)))
	}
	tags, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint_0002"}, tags)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	loaded, err := store.Load(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, checkpoints.State{Epoch: 2, GlobalStep: 20, BestScore: 0.5}, loaded.State)
	assert.Equal(t, []byte{1, 2, 3}, loaded.Model)

	_, err = store.Load(ctx, checkpoints.BestTag)
	assert.True(t, errors.Is(err, faults.ErrNotFound))
	assert.Contains(t, checkpoints.Schemes(), Scheme)
}
