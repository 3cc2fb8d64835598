package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/mozaiks/core/pkg/runtime"
)

// blobRefKey is the sentinel state field an offloaded artifact carries
// in place of its real payload; GetArtifact and Resume resolve it back
// into State before returning the artifact to a caller.
const blobRefKey = "_blob_ref"

// BlobStore persists artifact payloads too large to keep inline in an
// artifacts row. Implementations are keyed by (app_id, chat_id,
// artifact_id), not by the blob's content, since UpsertArtifact always
// replaces the latest snapshot rather than versioning it.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// S3BlobStoreConfig configures an S3-compatible BlobStore.
type S3BlobStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// DefaultS3BlobStoreConfig returns sane defaults for a standard AWS S3
// bucket; set Endpoint and UsePathStyle for an S3-compatible target
// like MinIO.
func DefaultS3BlobStoreConfig() S3BlobStoreConfig {
	return S3BlobStoreConfig{Region: "us-east-1"}
}

// S3BlobStore stores artifact payloads in an S3-compatible bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3BlobStore builds an S3BlobStore from cfg, loading AWS
// credentials the standard SDK way (static keys if supplied, the
// default provider chain otherwise).
func NewS3BlobStore(ctx context.Context, cfg S3BlobStoreConfig) (*S3BlobStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("sessions: s3 blob store requires a bucket")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sessions: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads data at key, overwriting any prior object there.
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte) error {
	objKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("sessions: s3 put object: %w", err)
	}
	return nil
}

// Get downloads the object at key.
func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: s3 get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("sessions: s3 read object body: %w", err)
	}
	return data, nil
}

// Delete removes the object at key, treating a missing object as
// success since the caller's goal (the blob no longer exists) holds.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	objKey := s.objectKey(key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objKey}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey") {
			return nil
		}
		return fmt.Errorf("sessions: s3 delete object: %w", err)
	}
	return nil
}

// BlobOffloadStore wraps a Store, transparently moving artifact state
// past Threshold bytes into a BlobStore and replacing it with a
// reference, so a chat_sessions/artifacts row never grows past what
// Postgres/SQLite comfortably hold for a payload that is actually a
// rendered table, chart, or document body.
type BlobOffloadStore struct {
	Store
	blobs     BlobStore
	threshold int
}

// DefaultBlobOffloadThreshold is the artifact state size, in marshaled
// JSON bytes, past which BlobOffloadStore moves the payload to blob
// storage instead of writing it inline.
const DefaultBlobOffloadThreshold = 32 * 1024

// NewBlobOffloadStore wraps store so artifacts whose marshaled state
// exceeds threshold bytes are offloaded to blobs. A threshold <= 0
// uses DefaultBlobOffloadThreshold.
func NewBlobOffloadStore(store Store, blobs BlobStore, threshold int) *BlobOffloadStore {
	if threshold <= 0 {
		threshold = DefaultBlobOffloadThreshold
	}
	return &BlobOffloadStore{Store: store, blobs: blobs, threshold: threshold}
}

func (s *BlobOffloadStore) blobKey(appID, chatID, artifactID string) string {
	return path.Join(appID, chatID, artifactID+".json")
}

// UpsertArtifact offloads artifact.State to blob storage first when it
// is large, replacing it with a pointer before delegating to the
// wrapped Store.
func (s *BlobOffloadStore) UpsertArtifact(ctx context.Context, artifact runtime.Artifact) error {
	if s.blobs == nil || len(artifact.State) == 0 {
		return s.Store.UpsertArtifact(ctx, artifact)
	}
	encoded, err := json.Marshal(artifact.State)
	if err != nil {
		return fmt.Errorf("sessions: marshal artifact state: %w", err)
	}
	if len(encoded) <= s.threshold {
		return s.Store.UpsertArtifact(ctx, artifact)
	}

	key := s.blobKey(artifact.AppID, artifact.ChatID, artifact.ArtifactID)
	if err := s.blobs.Put(ctx, key, encoded); err != nil {
		return err
	}
	offloaded := artifact
	offloaded.State = map[string]any{blobRefKey: key}
	return s.Store.UpsertArtifact(ctx, offloaded)
}

// GetArtifact resolves an offloaded artifact's state from blob storage
// before returning it.
func (s *BlobOffloadStore) GetArtifact(ctx context.Context, appID, chatID, artifactID string) (*runtime.Artifact, error) {
	artifact, err := s.Store.GetArtifact(ctx, appID, chatID, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Resume resolves every returned artifact's state from blob storage
// before returning the replay bundle.
func (s *BlobOffloadStore) Resume(ctx context.Context, appID, chatID string) (*Resume, error) {
	resume, err := s.Store.Resume(ctx, appID, chatID)
	if err != nil {
		return nil, err
	}
	for i := range resume.Artifacts {
		if err := s.resolve(ctx, &resume.Artifacts[i]); err != nil {
			return nil, err
		}
	}
	return resume, nil
}

func (s *BlobOffloadStore) resolve(ctx context.Context, artifact *runtime.Artifact) error {
	if s.blobs == nil || artifact == nil {
		return nil
	}
	ref, ok := artifact.State[blobRefKey].(string)
	if !ok {
		return nil
	}
	data, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return err
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("sessions: unmarshal offloaded artifact state: %w", err)
	}
	artifact.State = state
	return nil
}
