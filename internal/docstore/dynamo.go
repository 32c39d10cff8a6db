package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Item layout: PK holds the collection, SK the document key and Rev a
// random revision rewritten on every write. Transactions condition their
// writes on the revisions they read.
const (
	attrPK  = "PK"
	attrSK  = "SK"
	attrRev = "Rev"

	condNotExists = "attribute_not_exists(#pk)"
	condExists    = "attribute_exists(#pk)"
	condRev       = "#rev = :expected"

	defaultTxAttempts = 5
)

type Dynamo struct {
	client     DynamoAPI
	table      string
	txAttempts int
}

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table, txAttempts: defaultTxAttempts}
}

func (d *Dynamo) itemKey(collection, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: collection},
		attrSK: &types.AttributeValueMemberS{Value: key},
	}
}

func (d *Dynamo) item(collection, key string, doc any) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	av[attrPK] = &types.AttributeValueMemberS{Value: collection}
	av[attrSK] = &types.AttributeValueMemberS{Value: key}
	av[attrRev] = &types.AttributeValueMemberS{Value: uuid.NewString()}
	return av, nil
}

func (d *Dynamo) Get(ctx context.Context, collection, key string, dst any) error {
	_, err := d.get(ctx, collection, key, dst)
	return err
}

// get returns the revision of the document it decoded.
func (d *Dynamo) get(ctx context.Context, collection, key string, dst any) (string, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.itemKey(collection, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if out.Item == nil {
		return "", ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(out.Item, dst); err != nil {
		return "", fmt.Errorf("unmarshal %s/%s: %w", collection, key, err)
	}
	return attrS(out.Item[attrRev]), nil
}

func (d *Dynamo) Set(ctx context.Context, collection, key string, doc any) error {
	item, err := d.item(collection, key, doc)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (d *Dynamo) Create(ctx context.Context, collection, key string, doc any) error {
	item, err := d.item(collection, key, doc)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     item,
		ConditionExpression:      aws.String(condNotExists),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create %s/%s: %w", collection, key, err)
	}
	return nil
}

func (d *Dynamo) Update(ctx context.Context, collection, key string, patch map[string]any) error {
	u, err := buildUpdate(patch)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	u.names["#pk"] = attrPK
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       d.itemKey(collection, key),
		UpdateExpression:          aws.String(u.expr),
		ConditionExpression:       aws.String(condExists),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrNotFound
		}
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, collection, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(collection, key),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Query reads the collection partition and filters server side. Limit counts
// matches, so pages keep being read until it is reached.
func (d *Dynamo) Query(ctx context.Context, q Query) ([]Document, error) {
	names := map[string]string{"#pk": attrPK}
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.Collection},
	}

	var conds []string
	for i, f := range q.Filters {
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		av, err := attributevalue.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		names[n] = f.Field
		values[v] = av
		switch f.Op {
		case OpArrayContains:
			conds = append(conds, fmt.Sprintf("contains(%s, %s)", n, v))
		default:
			conds = append(conds, fmt.Sprintf("%s = %s", n, v))
		}
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if len(conds) > 0 {
		in.FilterExpression = aws.String(strings.Join(conds, " AND "))
	}

	var out []Document
	for {
		page, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		for _, it := range page.Items {
			out = append(out, Document{Key: attrS(it[attrSK]), decode: func(dst any) error {
				return attributevalue.UnmarshalMap(it, dst)
			}})
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (d *Dynamo) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; attempt < d.txAttempts; attempt++ {
		tx := &dynamoTx{d: d, ctx: ctx, reads: map[docRef]string{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := tx.commit()
		if errors.Is(err, ErrTxConflict) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

type docRef struct {
	collection string
	key        string
}

type dynamoTx struct {
	d   *Dynamo
	ctx context.Context

	// reads maps each document read to its revision; "" records absence.
	reads   map[docRef]string
	writes  []types.TransactWriteItem
	written map[docRef]bool
}

func (tx *dynamoTx) Get(collection, key string, dst any) error {
	if len(tx.writes) > 0 {
		return ErrReadAfterWrite
	}
	ref := docRef{collection, key}
	rev, err := tx.d.get(tx.ctx, collection, key, dst)
	if errors.Is(err, ErrNotFound) {
		tx.reads[ref] = ""
		return err
	}
	if err != nil {
		return err
	}
	tx.reads[ref] = rev
	return nil
}

// guard returns the condition protecting a write to ref.
func (tx *dynamoTx) guard(ref docRef) (expr string, names map[string]string, values map[string]types.AttributeValue) {
	rev, ok := tx.reads[ref]
	switch {
	case !ok:
		return "", nil, nil
	case rev == "":
		return condNotExists, map[string]string{"#pk": attrPK}, nil
	default:
		return condRev, map[string]string{"#rev": attrRev}, map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: rev},
		}
	}
}

func (tx *dynamoTx) markWritten(ref docRef) {
	if tx.written == nil {
		tx.written = map[docRef]bool{}
	}
	tx.written[ref] = true
}

func (tx *dynamoTx) Set(collection, key string, doc any) error {
	ref := docRef{collection, key}
	item, err := tx.d.item(collection, key, doc)
	if err != nil {
		return err
	}
	put := &types.Put{TableName: aws.String(tx.d.table), Item: item}
	if expr, names, values := tx.guard(ref); expr != "" {
		put.ConditionExpression = aws.String(expr)
		put.ExpressionAttributeNames = names
		put.ExpressionAttributeValues = values
	}
	tx.writes = append(tx.writes, types.TransactWriteItem{Put: put})
	tx.markWritten(ref)
	return nil
}

func (tx *dynamoTx) Create(collection, key string, doc any) error {
	ref := docRef{collection, key}
	if rev, ok := tx.reads[ref]; (ok && rev != "") || tx.written[ref] {
		return ErrAlreadyExists
	}
	item, err := tx.d.item(collection, key, doc)
	if err != nil {
		return err
	}
	tx.writes = append(tx.writes, types.TransactWriteItem{Put: &types.Put{
		TableName:                aws.String(tx.d.table),
		Item:                     item,
		ConditionExpression:      aws.String(condNotExists),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
	}})
	tx.markWritten(ref)
	return nil
}

func (tx *dynamoTx) Update(collection, key string, patch map[string]any) error {
	ref := docRef{collection, key}
	if rev, ok := tx.reads[ref]; ok && rev == "" && !tx.written[ref] {
		return ErrNotFound
	}
	u, err := buildUpdate(patch)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	cond := condExists
	if expr, _, values := tx.guard(ref); expr == condRev {
		cond = expr
		for k, v := range values {
			u.values[k] = v
		}
	} else {
		u.names["#pk"] = attrPK
	}
	tx.writes = append(tx.writes, types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(tx.d.table),
		Key:                       tx.d.itemKey(collection, key),
		UpdateExpression:          aws.String(u.expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	}})
	tx.markWritten(ref)
	return nil
}

func (tx *dynamoTx) Delete(collection, key string) error {
	ref := docRef{collection, key}
	del := &types.Delete{TableName: aws.String(tx.d.table), Key: tx.d.itemKey(collection, key)}
	if expr, names, values := tx.guard(ref); expr != "" {
		del.ConditionExpression = aws.String(expr)
		del.ExpressionAttributeNames = names
		del.ExpressionAttributeValues = values
	}
	tx.writes = append(tx.writes, types.TransactWriteItem{Delete: del})
	tx.markWritten(ref)
	return nil
}

func (tx *dynamoTx) commit() error {
	if len(tx.writes) == 0 {
		return nil
	}

	items := append([]types.TransactWriteItem(nil), tx.writes...)

	// Documents read but not written still have to be unchanged at commit.
	refs := make([]docRef, 0, len(tx.reads))
	for ref := range tx.reads {
		if !tx.written[ref] {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].collection != refs[j].collection {
			return refs[i].collection < refs[j].collection
		}
		return refs[i].key < refs[j].key
	})
	for _, ref := range refs {
		expr, names, values := tx.guard(ref)
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(tx.d.table),
			Key:                       tx.d.itemKey(ref.collection, ref.key),
			ConditionExpression:       aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}

	_, err := tx.d.client.TransactWriteItems(tx.ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			code := aws.ToString(r.Code)
			if code == "ConditionalCheckFailed" || code == "TransactionConflict" {
				return ErrTxConflict
			}
		}
	}
	var tcx *types.TransactionConflictException
	if errors.As(err, &tcx) {
		return ErrTxConflict
	}
	return fmt.Errorf("commit transaction: %w", err)
}

type update struct {
	expr   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// buildUpdate turns a field patch into a SET expression that also rotates the
// revision.
func buildUpdate(patch map[string]any) (update, error) {
	fields := make([]string, 0, len(patch))
	for f := range patch {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	u := update{
		names: map[string]string{"#rev": attrRev},
		values: map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberS{Value: uuid.NewString()},
		},
	}
	sets := make([]string, 0, len(fields)+1)
	for i, f := range fields {
		av, err := attributevalue.Marshal(patch[f])
		if err != nil {
			return update{}, fmt.Errorf("field %s: %w", f, err)
		}
		n, v := fmt.Sprintf("#u%d", i), fmt.Sprintf(":u%d", i)
		u.names[n] = f
		u.values[v] = av
		sets = append(sets, n+" = "+v)
	}
	sets = append(sets, "#rev = :rev")
	u.expr = "SET " + strings.Join(sets, ", ")
	return u, nil
}

func attrS(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
