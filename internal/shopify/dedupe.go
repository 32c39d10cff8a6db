package shopify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type WebhookMeta struct {
	Shop  string `json:"shop,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// WebhookLedger turns at-least-once deliveries into at-most-once processing.
// MarkHandled reports true the first time an id is seen.
type WebhookLedger interface {
	MarkHandled(ctx context.Context, id string, meta WebhookMeta) (fresh bool, err error)
}

type DynamoPutAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoWebhookLedger claims deliveries with a conditional put. Retention is
// enforced by the table's TTL on ExpiresAt rather than an entry count.
type DynamoWebhookLedger struct {
	client    DynamoPutAPI
	table     string
	retention time.Duration
	now       func() time.Time
}

func NewDynamoWebhookLedger(client DynamoPutAPI, table string, retention time.Duration) *DynamoWebhookLedger {
	return &DynamoWebhookLedger{client: client, table: table, retention: retention, now: time.Now}
}

func (l *DynamoWebhookLedger) MarkHandled(ctx context.Context, id string, meta WebhookMeta) (bool, error) {
	now := l.now().UTC()
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: "WH#" + id},
			"Shop":       &types.AttributeValueMemberS{Value: meta.Shop},
			"Topic":      &types.AttributeValueMemberS{Value: meta.Topic},
			"ReceivedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			"ExpiresAt":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(l.retention).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return false, nil
		}
		return false, fmt.Errorf("claim webhook %s: %w", id, err)
	}
	return true, nil
}
