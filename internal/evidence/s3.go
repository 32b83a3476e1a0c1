// Package evidence stores webcam frames that triggered a face-missing violation.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// S3Store writes frames as PNG objects to an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

var _ proctor.EvidenceSink = (*S3Store)(nil)

func NewS3Store(cfg *config.Config, log zerolog.Logger) (*S3Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.S3Bucket,
		log:    log.With().Str("component", "evidence_store").Logger(),
	}, nil
}

// EnsureBucket creates the evidence bucket when missing.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.log.Info().Str("bucket", s.bucket).Msg("Evidence bucket created")
	return nil
}

// StoreFrame uploads f under key.
func (s *S3Store) StoreFrame(ctx context.Context, key string, f proctor.Frame) error {
	raw, err := EncodePNG(f)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Int("bytes", len(raw)).Msg("Snapshot stored")
	return nil
}

// EncodePNG renders a frame as PNG.
func EncodePNG(f proctor.Frame) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("encode snapshot: malformed frame %dx%d with %d bytes", f.Width, f.Height, len(f.Pix))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image()); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
