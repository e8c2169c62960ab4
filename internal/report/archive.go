package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Archiver keeps a copy of a completed job's report outside the process and
// returns where it was stored.
type Archiver interface {
	Archive(ctx context.Context, s types.Summary) (string, error)
}

// S3Config configures the S3 archive.
type S3Config struct {
	Bucket    string
	Region    string
	Prefix    string
	Format    Format
	AccessKey string
	SecretKey string
	Endpoint  string // S3-compatible endpoint, e.g. MinIO; empty means AWS
}

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver uploads rendered summaries to a bucket.
type S3Archiver struct {
	cfg      S3Config
	uploader uploader
	log      *slog.Logger
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver builds an S3 client from cfg. Static credentials are used
// when both keys are set, otherwise the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey}, nil
		})
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(cfg, manager.NewUploader(client), logger), nil
}

func newS3Archiver(cfg S3Config, up uploader, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatXLSX
	}
	return &S3Archiver{cfg: cfg, uploader: up, log: logger}
}

// Key is the object key of a job's report.
func (a *S3Archiver) Key(id types.JobID) string {
	name := fmt.Sprintf("screening-%s.%s", id, a.cfg.Format)
	return path.Join(strings.Trim(a.cfg.Prefix, "/"), name)
}

// Archive renders s and uploads it.
func (a *S3Archiver) Archive(ctx context.Context, s types.Summary) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, a.cfg.Format, s); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	key := a.Key(s.JobID)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(a.cfg.Format.ContentType()),
		Metadata:    map[string]string{"job-id": string(s.JobID)},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key)
	a.log.Info("report archived", "jobID", s.JobID, "location", location, "size", buf.Len())
	return location, nil
}
