package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type ReceiptArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string

	// Static credentials; leave empty to use the SDK default chain.
	AccessKey string
	SecretKey string
}

// ReceiptArchiveService keeps raw signed payloads in object storage for
// audits and refund disputes.
type ReceiptArchiveService struct {
	client *s3.S3
	bucket string
}

func NewReceiptArchiveService(cfg ReceiptArchiveConfig) (*ReceiptArchiveService, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("receipt archive: bucket is required")
	}
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("receipt archive: %w", err)
	}
	return &ReceiptArchiveService{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

func (s *ReceiptArchiveService) ArchiveReceipt(ctx context.Context, userID int, transactionID string, payload []byte) error {
	if transactionID == "" || len(payload) == 0 {
		return nil
	}
	key := fmt.Sprintf("receipts/%d/%s.jws", userID, transactionID)
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/jose"),
	})
	if err != nil {
		return fmt.Errorf("unable to upload receipt: %v", err)
	}
	return nil
}
