// Package archive writes best-effort audit snapshots to S3 before account
// data is hard-deleted. Archiving failures are logged and never block the
// deletion itself.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// ObjectPutter is the slice of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Snapshot is the audit record written before a user's rows are deleted.
type Snapshot struct {
	UserID       uuid.UUID     `json:"userId"`
	DeletedAt    time.Time     `json:"deletedAt"`
	BillingUsage interface{}   `json:"billingUsage"`
	SyncHistory  interface{}   `json:"syncHistory"`
	Connections  []ConnSummary `json:"connections"`
}

// ConnSummary is the non-secret part of a connection kept for audit.
type ConnSummary struct {
	ID       uuid.UUID `json:"id"`
	Provider string    `json:"provider"`
	Status   string    `json:"status"`
}

// Archiver writes deletion snapshots to one bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
}

// New creates an archiver against AWS using the default credential chain.
func New(ctx context.Context, bucket, region string) (*Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewWithClient creates an archiver over an existing client. Tests use this.
func NewWithClient(client ObjectPutter, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// ArchiveDeletion writes the snapshot to
// deletions/<userID>/<YYYY-MM-DD>.json. Best effort: the error return is
// for the caller's log line only and must not abort the deletion.
func (a *Archiver) ArchiveDeletion(ctx context.Context, snap *Snapshot) error {
	if snap.DeletedAt.IsZero() {
		snap.DeletedAt = time.Now().UTC()
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling deletion snapshot: %w", err)
	}

	key := fmt.Sprintf("deletions/%s/%s.json", snap.UserID, snap.DeletedAt.Format("2006-01-02"))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting snapshot to s3: %w", err)
	}

	logger.Info("deletion snapshot archived", "user_id", snap.UserID.String(), "key", key)
	return nil
}
