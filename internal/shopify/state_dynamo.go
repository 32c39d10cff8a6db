package shopify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type DynamoStateAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStateStore keeps states in a table keyed by State, with
// ExpiresAtEpoch as the table's TTL attribute. Consumption is a single
// DeleteItem returning the old item, so two callbacks racing on one state
// cannot both succeed.
type DynamoStateStore struct {
	client DynamoStateAPI
	table  string
	signer stateSigner
	ttl    time.Duration
	now    func() time.Time
}

func NewDynamoStateStore(client DynamoStateAPI, table string, opts StateOptions) (*DynamoStateStore, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &DynamoStateStore{
		client: client,
		table:  table,
		signer: stateSigner{secret: []byte(opts.Secret)},
		ttl:    opts.TTL,
		now:    opts.Now,
	}, nil
}

func (s *DynamoStateStore) Generate(ctx context.Context, shop string) (StateGrant, error) {
	rec, err := s.signer.issue(shop, s.now(), s.ttl)
	if err != nil {
		return StateGrant{}, err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return StateGrant{}, fmt.Errorf("marshal oauth state: %w", err)
	}
	item["ExpiresAtEpoch"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return StateGrant{}, fmt.Errorf("store oauth state: %w", err)
	}
	return StateGrant{State: rec.State, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *DynamoStateStore) Consume(ctx context.Context, state string) (*StateRecord, error) {
	if !s.signer.verify(state) {
		return nil, nil
	}
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"State": &types.AttributeValueMemberS{Value: state},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	var rec StateRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal oauth state: %w", err)
	}
	if rec.expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}
