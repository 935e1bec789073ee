// Package objectstore provides blob get/put/delete/head against an
// S3-compatible backend, with a gzip codec, presigned URLs, and a
// last-modified staleness check, built on github.com/aws/aws-sdk-go-v2.
package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"encore.app/internal/config"
)

// Head describes the result of a HEAD request.
type Head struct {
	Exists       bool
	LastModified time.Time
}

// Store is the object-store capability handle. It is shared-immutable: no
// interior mutation after construction, so one Store may be passed by
// reference into every component that needs object storage.
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
}

// New constructs a Store from the given configuration, resolving
// credentials via the AWS SDK's standard config chain seeded with the
// explicit key/secret/endpoint from AppConfig.
func New(ctx context.Context, cfg config.AppConfig) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ObjectStoreRegion),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.ObjectStoreKey,
					SecretAccessKey: cfg.ObjectStoreSecret,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ObjectStoreEndpoint)
		}
		o.UsePathStyle = cfg.ObjectStoreForcePath
	})

	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
	}, nil
}

// Put uploads bytes to bucket/key. When encoding is "gzip" the body is
// gzip-compressed and Content-Encoding is set accordingly.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, encoding string) error {
	body := data
	var contentEncoding *string
	if encoding == "gzip" {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = buf.Bytes()
		contentEncoding = aws.String("gzip")
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentEncoding: contentEncoding,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get downloads bucket/key, optionally gunzipping before returning.
func (s *Store) Get(ctx context.Context, bucket, key string, decompress bool) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}

	if !decompress {
		return data, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s/%s: %w", bucket, key, err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// Head reports whether bucket/key exists and, if so, its last-modified
// time. A missing object is reported via Exists=false, never as an error.
func (s *Store) Head(ctx context.Context, bucket, key string) (Head, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Head{Exists: false}, nil
		}
		return Head{}, fmt.Errorf("head %s/%s: %w", bucket, key, err)
	}
	lm := time.Time{}
	if out.LastModified != nil {
		lm = *out.LastModified
	}
	return Head{Exists: true, LastModified: lm}, nil
}

// OlderThan reports whether bucket/key's last-modified time is older than
// minutes ago. A missing object returns false (not an error); an
// unparseable timestamp is impossible through the SDK's typed
// LastModified, so only the missing-object case is special-cased here.
func (s *Store) OlderThan(ctx context.Context, bucket, key string, minutes int) (bool, error) {
	h, err := s.Head(ctx, bucket, key)
	if err != nil {
		return false, err
	}
	if !h.Exists {
		return false, nil
	}
	return h.LastModified.Before(time.Now().Add(-time.Duration(minutes) * time.Minute)), nil
}

// Delete removes bucket/key.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignedGetURL returns a time-limited URL for bucket/key. Presign
// construction signs the request locally and performs no network round
// trip.
func (s *Store) PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// UploadFile streams a local file to bucket/key.
func (s *Store) UploadFile(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", localPath, bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
