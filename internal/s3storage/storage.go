package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/dharsanguruparan/EchoScribe/internal/config"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

// AudioPrefix is the key prefix of every uploaded recording.
const AudioPrefix = "audio/"

// Storage wraps MinIO/S3 interactions for audio uploads and transcripts.
type Storage struct {
	client           *minio.Client
	audioBucket      string
	transcriptBucket string
	region           string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:           client,
		audioBucket:      cfg.AudioBucket,
		transcriptBucket: cfg.TranscriptBucket,
		region:           cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the audio/transcript buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.audioBucket, s.transcriptBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PresignUpload builds a one-time POST policy restricted to objectKey, the
// declared content type and at most maxSize bytes.
func (s *Storage) PresignUpload(ctx context.Context, objectKey, contentType string, maxSize int64, ttl time.Duration) (model.UploadDescriptor, error) {
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(s.audioBucket); err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("policy bucket: %w", err)
	}
	if err := policy.SetKey(objectKey); err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("policy key: %w", err)
	}
	if err := policy.SetExpires(time.Now().UTC().Add(ttl)); err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("policy expiry: %w", err)
	}
	if err := policy.SetContentType(contentType); err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("policy content type: %w", err)
	}
	if err := policy.SetContentLengthRange(1, maxSize); err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("policy length: %w", err)
	}
	u, fields, err := s.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return model.UploadDescriptor{}, fmt.Errorf("presign post: %w", err)
	}
	return model.UploadDescriptor{
		Type:      model.UploadTypePresignedPost,
		URL:       u.String(),
		Fields:    fields,
		ExpiresIn: int64(ttl / time.Second),
		ObjectKey: objectKey,
	}, nil
}

// DownloadAudio writes the recording at objectKey to a local file.
func (s *Storage) DownloadAudio(ctx context.Context, objectKey, path string) error {
	if err := s.client.FGetObject(ctx, s.audioBucket, objectKey, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("get audio object: %w", err)
	}
	return nil
}

// PutTranscript stores the transcript text.
func (s *Storage) PutTranscript(ctx context.Context, objectKey, text string) error {
	data := []byte(text)
	opts := minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"}
	_, err := s.client.PutObject(ctx, s.transcriptBucket, objectKey, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}
	return nil
}

// ReadTranscript fetches the transcript text. A missing object yields
// model.ErrNotFound.
func (s *Storage) ReadTranscript(ctx context.Context, objectKey string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.transcriptBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get transcript object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", model.ErrNotFound
		}
		return "", fmt.Errorf("read transcript object: %w", err)
	}
	return string(buf), nil
}

// PresignTranscriptURL returns a time-limited download link for a transcript.
func (s *Storage) PresignTranscriptURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.transcriptBucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign transcript download: %w", err)
	}
	return u.String(), nil
}

// ListenAudioUploads calls fn with the key of every object created under
// AudioPrefix until ctx is done or the notification stream fails.
func (s *Storage) ListenAudioUploads(ctx context.Context, fn func(ctx context.Context, key string)) error {
	events := s.client.ListenBucketNotification(ctx, s.audioBucket, AudioPrefix, "", []string{
		string(notification.ObjectCreatedAll),
	})
	for info := range events {
		if info.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bucket notifications: %w", info.Err)
		}
		for _, rec := range info.Records {
			if !strings.HasPrefix(rec.EventName, "s3:ObjectCreated:") {
				continue
			}
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			fn(ctx, key)
		}
	}
	return ctx.Err()
}
