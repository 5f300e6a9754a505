package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Presigner issues short-lived signed upload URLs for one logical bucket.
// The enqueue path hands these to clients so the raw bytes go straight to
// blob storage without transiting the pipeline; workers never use them —
// they read with service credentials through ObjectStore.
type Presigner interface {
	// PresignPut returns a URL that accepts a single HTTP PUT of the object
	// at key, valid for ttl.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// PresignPut implements Presigner using the S3 SDK's presign client against
// this store's bucket.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	presigner := s3.NewPresignClient(s.client)
	req, err := presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, nil
}

// PresignPut implements Presigner for tests: the returned URL is a
// memory:// pseudo-URL carrying the key, so tests can assert on what a
// client would have been told to upload.
func (m *MemoryStore) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: url.Values{"content_type": {contentType}, "ttl": {ttl.String()}}.Encode(),
	}
	return u.String(), nil
}
