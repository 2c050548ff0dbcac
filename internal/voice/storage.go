package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by ObjectStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner signs time-limited GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectStore keeps synthesized prompts, staged recordings and transcripts
// in one S3 bucket.
type ObjectStore struct {
	bucket    string
	client    S3API
	presigner Presigner
}

// NewObjectStore wraps an S3 client. presigner may be nil when no playback
// URLs are needed.
func NewObjectStore(client S3API, presigner Presigner, bucket string) *ObjectStore {
	return &ObjectStore{bucket: bucket, client: client, presigner: presigner}
}

func (o *ObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("voice: s3 put %s: %w", key, err)
	}
	return nil
}

func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("voice: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("voice: s3 read %s: %w", key, err)
	}
	return data, nil
}

// PresignGet returns a URL that plays the object for ttl.
func (o *ObjectStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if o.presigner == nil {
		return "", fmt.Errorf("voice: no presigner configured for bucket %s", o.bucket)
	}
	req, err := o.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("voice: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// URI is the s3:// location of key.
func (o *ObjectStore) URI(key string) string {
	return "s3://" + o.bucket + "/" + key
}

func (o *ObjectStore) Bucket() string {
	return o.bucket
}
