// Package storage uploads deposit proof images to S3-compatible object
// storage (Cloudflare R2 in production).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/google/uuid"
)

// MaxProofSize bounds a single proof upload.
const MaxProofSize = 5 << 20

var allowedProofTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// ErrStorageDisabled is returned when no provider is configured.
var ErrStorageDisabled = errors.New("proof storage is not configured")

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Uploader struct {
	client     putObjectAPI
	bucket     string
	cdnBaseURL string
}

func NewUploader(client putObjectAPI, bucket, cdnBaseURL string) *Uploader {
	return &Uploader{
		client:     client,
		bucket:     bucket,
		cdnBaseURL: strings.TrimRight(cdnBaseURL, "/"),
	}
}

// NewFromConfig builds an uploader for cfg.Provider ("r2" or "s3").
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (*Uploader, error) {
	var endpoint string
	switch cfg.Provider {
	case "r2":
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("r2 storage requires an account id")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	case "s3":
	case "", "none":
		return nil, ErrStorageDisabled
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	cdn := cfg.CDNBaseURL
	if cdn == "" {
		if endpoint != "" {
			cdn = endpoint + "/" + cfg.Bucket
		} else {
			cdn = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return NewUploader(client, cfg.Bucket, cdn), nil
}

// Upload stores one proof file and returns its public URL. The content type
// is sniffed from the bytes, not trusted from the client.
func (u *Uploader) Upload(ctx context.Context, userID, filename string, body io.Reader) (string, error) {
	buf := new(bytes.Buffer)
	n, err := io.Copy(buf, io.LimitReader(body, MaxProofSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if n == 0 {
		return "", models.NewValidationError("proof", "file is empty")
	}
	if n > MaxProofSize {
		return "", models.NewValidationError("proof", "file exceeds %d bytes", MaxProofSize)
	}

	contentType := http.DetectContentType(buf.Bytes())
	ext, ok := allowedProofTypes[contentType]
	if !ok {
		return "", models.NewValidationError("proof", "unsupported file type %s", contentType)
	}
	if e := strings.ToLower(path.Ext(filename)); e == ".jpeg" && ext == ".jpg" {
		ext = e
	}

	key := fmt.Sprintf("deposit-proofs/%s/%s%s", userID, uuid.NewString(), ext)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload proof: %w", err)
	}

	return fmt.Sprintf("%s/%s", u.cdnBaseURL, key), nil
}
