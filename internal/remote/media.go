package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"edge-capture-agent/internal/config"
)

// MediaStore receives capture files out of band so the photo event only
// carries a reference.
type MediaStore interface {
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
}

// S3Media puts captures into an S3 (or S3-compatible) bucket.
type S3Media struct {
	client *s3.Client
	bucket string
}

// NewS3Media returns nil, nil when no bucket is configured.
func NewS3Media(ctx context.Context, cfg config.Config) (*S3Media, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Media{client: client, bucket: cfg.S3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

// Put uploads the file at localPath under key and returns its s3:// URL.
func (s *S3Media) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// mediaKey lays captures out as device/session/file.
func mediaKey(deviceID, sessionID, localPath string) string {
	parts := []string{sanitizeKey(deviceID), sanitizeKey(sessionID), path.Base(strings.ReplaceAll(localPath, "\\", "/"))}
	return path.Join(parts...)
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "/", "_")
	if key == "" || key == "." || key == ".." {
		return "unknown"
	}
	return key
}

func mimeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".wav":
		return "audio/wav"
	default:
		return "image/jpeg"
	}
}
