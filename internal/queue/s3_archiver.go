package queue

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wardenhq/warden/internal/canonical"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/ledger"
)

// Archiver uploads the canonical record of an executed decision to object
// storage.
type Archiver interface {
	ArchiveResult(ctx context.Context, d ledger.Decision, res engine.ExecutionResult) error
}

// S3Archiver writes canonical execution envelopes to S3 paths like:
//
//	s3://<bucket>/<prefix>/ledger/YYYY/MM/DD/<decisionID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveResult canonicalizes the decision plus its execution outcome and
// uploads the envelope.
func (s *S3Archiver) ArchiveResult(ctx context.Context, d ledger.Decision, res engine.ExecutionResult) error {
	handlers := make([]interface{}, 0, len(res.Handlers))
	for _, h := range res.Handlers {
		handlers = append(handlers, map[string]interface{}{
			"name":    h.Name,
			"status":  h.Status,
			"outcome": h.Outcome,
			"error":   h.Error,
			"ts":      h.Ts.UTC().Format(time.RFC3339Nano),
		})
	}
	envelope := map[string]interface{}{
		"decision": map[string]interface{}{
			"id":            d.ID,
			"ts":            d.Ts.UTC().Format(time.RFC3339Nano),
			"actor":         map[string]interface{}{"userId": d.Actor.UserID, "role": d.Actor.Role},
			"intent":        map[string]interface{}{"action": d.Intent.Action, "targetResource": d.Intent.TargetResource, "parameters": d.Intent.Parameters},
			"evidenceHash":  d.EvidenceHash,
			"outcome":       d.Outcome,
			"policyVersion": d.PolicyVersion,
			"prevHash":      d.PrevHash,
			"hash":          d.Hash,
		},
		"execution": map[string]interface{}{
			"status":      res.Status,
			"permitId":    res.PermitID,
			"entityType":  res.EntityType,
			"entityId":    res.EntityID,
			"fromState":   res.FromState,
			"toState":     res.ToState,
			"handlers":    handlers,
			"completedAt": res.CompletedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	canonBytes, err := canonical.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	ts := d.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	objectKey := path.Join(s.prefix, "ledger",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", d.ID),
	)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
