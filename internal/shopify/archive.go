package shopify

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive keeps the raw body of every verified webhook delivery. Objects
// are keyed by shop, day and delivery id, so a redelivery overwrites the
// same object.
type S3Archive struct {
	client S3PutAPI
	bucket string
	now    func() time.Time
}

func NewS3Archive(client S3PutAPI, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, now: time.Now}
}

func (a *S3Archive) Key(id string, meta WebhookMeta) string {
	shop := meta.Shop
	if shop == "" {
		shop = "unknown"
	}
	return fmt.Sprintf("webhooks/%s/%s/%s.json", shop, a.now().UTC().Format("2006-01-02"), id)
}

func (a *S3Archive) Put(ctx context.Context, id string, meta WebhookMeta, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(id, meta)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"webhook-id": id,
			"topic":      meta.Topic,
		},
	})
	if err != nil {
		return fmt.Errorf("archive webhook %s: %w", id, err)
	}
	return nil
}
