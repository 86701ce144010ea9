// Package objectstore ships archive blobs to and from S3-compatible storage.
// It is the only component with external I/O; everything above it sees
// Put/Get/Delete keyed by an opaque location.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"
)

// ErrUnavailable wraps any transport failure talking to object storage.
var ErrUnavailable = errors.New("object storage unavailable")

// s3API is the subset of the S3 client the gateway uses; an interface for
// testability.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint       string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	RequestTimeout time.Duration
}

// Gateway uploads, downloads, and deletes archive blobs. Objects are written
// with server-side encryption and an infrequent-access storage class: backups
// are written once and read rarely.
type Gateway struct {
	client    s3API
	presigner presignAPI
	bucket    string
	timeout   time.Duration
	retryBase time.Duration
}

// New builds a Gateway from config. Returns an error when the bucket or
// credentials are missing; the gateway never runs half-configured.
func New(cfg Config) (*Gateway, error) {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object storage not configured: bucket and credentials required")
	}

	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	client := s3.New(opts)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Gateway{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		timeout:   timeout,
		retryBase: 500 * time.Millisecond,
	}, nil
}

// KeyFor returns the deterministic object key for a backup: namespaced by
// year so storage can be audited per year without consulting the catalog.
func KeyFor(startTime time.Time, backupID string) string {
	return fmt.Sprintf("backups/%d/%s.arc", startTime.UTC().Year(), backupID)
}

func (g *Gateway) backoff() retry.Backoff {
	base := g.retryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return retry.WithMaxRetries(3, retry.NewExponential(base))
}

// Put uploads the blob under key and returns the location to store in the
// catalog.
func (g *Gateway) Put(ctx context.Context, key string, blob []byte) (string, error) {
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(g.bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(blob),
			ContentLength:        aws.Int64(int64(len(blob))),
			ServerSideEncryption: types.ServerSideEncryptionAes256,
			StorageClass:         types.StorageClassStandardIa,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return key, nil
}

// Get downloads the blob at location.
func (g *Gateway) Get(ctx context.Context, location string) ([]byte, error) {
	var blob []byte
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(location),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		defer out.Body.Close()

		blob, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, location, err)
	}
	return blob, nil
}

// Delete removes the blob at location.
func (g *Gateway) Delete(ctx context.Context, location string) error {
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(location),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, location, err)
	}
	return nil
}

// PresignGet returns a time-limited signed download URL for the blob at
// location.
func (g *Gateway) PresignGet(ctx context.Context, location string, ttl time.Duration) (string, error) {
	if g.presigner == nil {
		return "", fmt.Errorf("presigning not available")
	}
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(location),
	}, func(po *s3.PresignOptions) {
		po.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", ErrUnavailable, location, err)
	}
	return req.URL, nil
}
