package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

func init() {
	Register("dynamodb", func(cfg Config) (Store, error) {
		return NewDynamoStore(context.Background(), cfg)
	})
}

// DynamoStore maps the document surface onto a single DynamoDB table:
// PK is the collection name, SK is the document id. The query dialect is
// evaluated client-side after a keyed query narrows the scan to one
// collection partition; conditional writes give single-document
// atomicity.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	locks     idLocks

	mu      sync.RWMutex
	indexes map[string][]IndexSpec
}

const (
	dynamoPK = "pk"
	dynamoSK = "sk"
)

// NewDynamoStore builds a store over an existing DynamoDB table.
func NewDynamoStore(ctx context.Context, cfg Config) (*DynamoStore, error) {
	if cfg.TableName == "" {
		cfg.TableName = "weaver"
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, pkgerrors.NewStorage("load aws config", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.ConnectionURI != "" {
			o.BaseEndpoint = aws.String(cfg.ConnectionURI)
		}
	})
	return &DynamoStore{
		client:    client,
		tableName: cfg.TableName,
		indexes:   make(map[string][]IndexSpec),
	}, nil
}

func (s *DynamoStore) Name() string      { return "dynamodb" }
func (s *DynamoStore) NativeQuery() bool { return false }
func (s *DynamoStore) Close() error      { return nil }

func (s *DynamoStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	stored, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	if docID(stored) == "" {
		stored["id"] = uuid.NewString()
	}
	if err := s.checkUnique(ctx, collection, stored); err != nil {
		return nil, err
	}

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return nil, pkgerrors.NewStorage("marshal document", err)
	}
	item[dynamoPK] = &types.AttributeValueMemberS{Value: collection}
	item[dynamoSK] = &types.AttributeValueMemberS{Value: docID(stored)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return nil, pkgerrors.NewStorage("put item", err)
	}
	return stored, nil
}

func (s *DynamoStore) Get(ctx context.Context, collection, id string) (Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(collection, id),
	})
	if err != nil {
		return nil, pkgerrors.NewStorage("get item", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return s.unmarshal(out.Item)
}

func (s *DynamoStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          s.key(collection, id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, pkgerrors.NewStorage("delete item", err)
	}
	return len(out.Attributes) > 0, nil
}

func (s *DynamoStore) Find(ctx context.Context, collection string, q query.Query, opts FindOptions) ([]Document, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	matches, err := s.queryPartition(ctx, collection, compiled, 0)
	if err != nil {
		return nil, err
	}

	opts.Sort.Apply(matches)
	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

func (s *DynamoStore) FindOne(ctx context.Context, collection string, q query.Query) (Document, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	// The sort key is the document id, so partition order is already
	// the deterministic default sort.
	matches, err := s.queryPartition(ctx, collection, compiled, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *DynamoStore) Count(ctx context.Context, collection string, q query.Query) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.forEachPage(ctx, collection, func(doc Document) bool {
		if compiled.Match(doc) {
			count++
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *DynamoStore) Distinct(ctx context.Context, collection, field string, q query.Query) ([]interface{}, error) {
	docs, err := s.Find(ctx, collection, q, FindOptions{})
	if err != nil {
		return nil, err
	}
	return distinctFromDocs(docs, field), nil
}

func (s *DynamoStore) UpdateOne(ctx context.Context, collection string, q query.Query, update query.Update, upsert bool) (int64, error) {
	return s.updateMatching(ctx, collection, q, update, 1, upsert)
}

func (s *DynamoStore) UpdateMany(ctx context.Context, collection string, q query.Query, update query.Update) (int64, error) {
	return s.updateMatching(ctx, collection, q, update, 0, false)
}

func (s *DynamoStore) updateMatching(ctx context.Context, collection string, q query.Query, update query.Update, limit int, upsert bool) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	matches, err := s.queryPartition(ctx, collection, compiled, limit)
	if err != nil {
		return 0, err
	}

	if len(matches) == 0 && upsert {
		seed := Document{}
		for field, value := range eqHints(q) {
			seed[field] = value
		}
		if err := query.Apply(seed, update); err != nil {
			return 0, err
		}
		if _, err := s.Save(ctx, collection, seed); err != nil {
			return 0, err
		}
		return 1, nil
	}

	var updated int64
	for _, match := range matches {
		id := docID(match)
		unlock := s.locks.lock(collection, id)
		current, err := s.Get(ctx, collection, id)
		if err == nil && current != nil {
			if err2 := query.Apply(current, update); err2 != nil {
				unlock()
				return updated, err2
			}
			current["id"] = id
			_, err = s.Save(ctx, collection, current)
		}
		unlock()
		if err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *DynamoStore) DeleteOne(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 1)
}

func (s *DynamoStore) DeleteMany(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 0)
}

func (s *DynamoStore) deleteMatching(ctx context.Context, collection string, q query.Query, limit int) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	matches, err := s.queryPartition(ctx, collection, compiled, limit)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, match := range matches {
		ok, err := s.Delete(ctx, collection, docID(match))
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// CreateIndex records the spec. DynamoDB secondary indexes are
// provisioned with the table out-of-band, but unique specs are kept
// and enforced client-side on every write. Idempotent per spec name.
func (s *DynamoStore) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	if len(spec.Fields) == 0 {
		return pkgerrors.NewValidation("index spec requires at least one field")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.indexes[collection] {
		if existing.Name() == spec.Name() {
			return nil
		}
	}
	s.indexes[collection] = append(s.indexes[collection], spec)
	return nil
}

// checkUnique scans the collection partition for another document
// holding the same value on any unique index. DynamoDB has no native
// unique constraint on non-key attributes, so the check runs before
// the put.
func (s *DynamoStore) checkUnique(ctx context.Context, collection string, doc Document) error {
	s.mu.RLock()
	var uniques []IndexSpec
	for _, spec := range s.indexes[collection] {
		if spec.Unique {
			uniques = append(uniques, spec)
		}
	}
	s.mu.RUnlock()
	if len(uniques) == 0 {
		return nil
	}

	var conflict error
	err := s.forEachPage(ctx, collection, func(existing Document) bool {
		conflict = uniqueConflict(uniques, doc, existing)
		return conflict == nil
	})
	if err != nil {
		return err
	}
	return conflict
}

func (s *DynamoStore) Clean(ctx context.Context) (int, error) {
	return sweepOrphans(ctx, s)
}

func (s *DynamoStore) key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoPK: &types.AttributeValueMemberS{Value: collection},
		dynamoSK: &types.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) unmarshal(item map[string]types.AttributeValue) (Document, error) {
	var doc Document
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, pkgerrors.NewStorage("unmarshal item", err)
	}
	delete(doc, dynamoPK)
	delete(doc, dynamoSK)
	return normalize(doc)
}

func (s *DynamoStore) queryPartition(ctx context.Context, collection string, compiled *query.Compiled, limit int) ([]Document, error) {
	var matches []Document
	err := s.forEachPage(ctx, collection, func(doc Document) bool {
		if compiled.Match(doc) {
			matches = append(matches, doc)
		}
		return limit == 0 || len(matches) < limit
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// forEachPage queries the collection partition page by page, invoking
// fn per document until fn returns false or pages run out.
func (s *DynamoStore) forEachPage(ctx context.Context, collection string, fn func(Document) bool) error {
	keyCond := expression.Key(dynamoPK).Equal(expression.Value(collection))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return pkgerrors.NewStorage("build key condition", err)
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return pkgerrors.NewStorage("table does not exist: "+s.tableName, err)
			}
			return pkgerrors.NewStorage("query partition", err)
		}
		for _, item := range out.Items {
			doc, err := s.unmarshal(item)
			if err != nil {
				return err
			}
			if !fn(doc) {
				return nil
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}
