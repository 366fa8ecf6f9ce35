// Copyright 2022 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gcsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.chromium.org/luci/auth"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"go.fuchsia.dev/fuzzctl/lib/retry"
)

// ReadOnlyScope is the OAuth scope needed to download objects.
const ReadOnlyScope = "https://www.googleapis.com/auth/devstorage.read_only"

// Errors can be wrapped as transient, so that callers can distinguish
// failures worth retrying later.
type TransientError struct {
	err error
}

func (e TransientError) Error() string { return e.err.Error() }

func (e TransientError) Unwrap() error { return e.err }

// NewClient returns a storage.Client that uses LUCI auth with silent login.
// The read-only storage scope is added to opts if missing.
func NewClient(ctx context.Context, opts auth.Options) (*storage.Client, error) {
	hasScope := false
	for _, s := range opts.Scopes {
		hasScope = hasScope || s == ReadOnlyScope
	}
	if !hasScope {
		opts.Scopes = append(opts.Scopes, ReadOnlyScope)
	}
	authenticator := auth.NewAuthenticator(ctx, auth.SilentLogin, opts)
	source, err := authenticator.TokenSource()
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}
	client, err := storage.NewClient(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Storage client: %w", err)
	}
	return client, nil
}

// Retry wraps a function that makes a GCS API call, adding retries for failures
// that might be transient.
func Retry(ctx context.Context, f func() error) error {
	const (
		initialWait = time.Second
		backoff     = 2
		maxAttempts = 5
	)
	retryStrategy := retry.WithMaxAttempts(
		retry.NewExponentialBackoff(initialWait, 0, backoff),
		maxAttempts)
	return retryWithStrategy(ctx, retryStrategy, f)
}

// Extracted to allow dependency injection for testing.
func retryWithStrategy(ctx context.Context, strategy retry.Backoff, f func() error) error {
	return retry.Retry(ctx, strategy, func() error {
		if err := f(); err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
				return retry.Fatal(err)
			}
			return TransientError{err: err}
		}
		return nil
	}, nil)
}

// ParseURL splits a gs://bucket/prefix URL into its bucket and object prefix.
func ParseURL(gsURL string) (bucket, prefix string, err error) {
	u, err := url.Parse(gsURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("not a gs:// URL: %q", gsURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Bucket is the subset of a Cloud Storage bucket needed to download objects.
type Bucket interface {
	// List returns the names of all objects with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// NewReader opens the named object for reading.
	NewReader(ctx context.Context, name string) (io.ReadCloser, error)
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

// NewBucket returns a Bucket backed by the named bucket of client.
func NewBucket(client *storage.Client, name string) Bucket {
	return &gcsBucket{handle: client.Bucket(name)}
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		var attrs *storage.ObjectAttrs
		err := Retry(ctx, func() error {
			var err error
			attrs, err = it.Next()
			if errors.Is(err, iterator.Done) {
				return retry.Fatal(err)
			}
			return err
		})
		if errors.Is(err, iterator.Done) {
			return names, nil
		} else if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

func (b *gcsBucket) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	var reader *storage.Reader
	err := Retry(ctx, func() error {
		var err error
		reader, err = b.handle.Object(name).NewReader(ctx)
		return err
	})
	return reader, err
}
