// Package storage keeps per-call diagnostics reports in Cloudflare R2.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/observer/teacall/internal/domain"
)

const reportPrefix = "call-reports"

// R2Config locates the bucket. Endpoint overrides the account endpoint.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
}

// ReportStore uploads one JSON report per finished call
type ReportStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewReportStore creates a new R2 report store
func NewReportStore(cfg R2Config) (*ReportStore, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("R2 configuration incomplete")
		}
		// R2 endpoint format
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	// Create S3 client configured for R2
	client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  creds,
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: cfg.Endpoint != "",
	})

	return &ReportStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
	}, nil
}

// ReportKey is the object key for a session's report, grouped by start day.
func ReportKey(cs domain.CallSession) string {
	return fmt.Sprintf("%s/%s/%s.json", reportPrefix, cs.StartedAt.UTC().Format("2006-01-02"), cs.ID)
}

// Archive uploads the summary as the session's report.
func (r *ReportStore) Archive(ctx context.Context, summary domain.CallSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(ReportKey(summary.Session)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}
	return nil
}

// ReportURL generates a presigned URL for downloading a report
func (r *ReportStore) ReportURL(ctx context.Context, cs domain.CallSession, expiry time.Duration) (string, error) {
	request, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(ReportKey(cs)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned GET URL: %w", err)
	}

	return request.URL, nil
}
