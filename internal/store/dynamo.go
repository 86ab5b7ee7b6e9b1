package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoBucketIndex is the global secondary index keyed on the bucket attribute.
const DynamoBucketIndex = "bucket-index"

// Compile-time check that DynamoStore implements RequestStore.
var _ RequestStore = (*DynamoStore)(nil)

// dynamoAPI is the subset of *dynamodb.Client the store uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is the table layout. requesterId is the partition key and
// bucket is the partition key of DynamoBucketIndex.
type dynamoItem struct {
	RequesterID string    `dynamodbav:"requesterId"`
	RequestID   string    `dynamodbav:"requestId"`
	Difficulty  int       `dynamodbav:"difficulty"`
	Category    string    `dynamodbav:"category"`
	Bucket      string    `dynamodbav:"bucket"`
	ReplyTo     string    `dynamodbav:"replyTo"`
	CreatedAt   time.Time `dynamodbav:"createdAt"`
	ExpiresAt   time.Time `dynamodbav:"expiresAt"`
}

func itemFromRequest(req models.MatchRequest) dynamoItem {
	return dynamoItem{
		RequesterID: req.RequesterID,
		RequestID:   req.RequestID,
		Difficulty:  req.Difficulty,
		Category:    req.Category,
		Bucket:      req.Bucket().String(),
		ReplyTo:     req.ReplyTo,
		CreatedAt:   req.CreatedAt.UTC(),
		ExpiresAt:   req.ExpiresAt.UTC(),
	}
}

func (it dynamoItem) request() models.MatchRequest {
	return models.MatchRequest{
		RequesterID: it.RequesterID,
		RequestID:   it.RequestID,
		Difficulty:  it.Difficulty,
		Category:    it.Category,
		ReplyTo:     it.ReplyTo,
		State:       models.StatePending,
		CreatedAt:   it.CreatedAt,
		ExpiresAt:   it.ExpiresAt,
	}
}

// DynamoStore keeps pending requests in a DynamoDB table. Conditional
// writes give the same exclusivity the SQL backends get from DELETE ... RETURNING.
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// NewDynamoStore loads the default AWS configuration and connects to the table.
func NewDynamoStore(ctx context.Context, opts ...Option) (*DynamoStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("DynamoStore table not set")
		return nil, fmt.Errorf("dynamodb table not set")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("Failed to load AWS config", "error", err)
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})
	slog.Debug("DynamoStore created", "table", cfg.DSN, "region", awsCfg.Region, "endpoint_set", cfg.DynamoEndpoint != "")
	return newDynamoStoreWithClient(client, cfg.DSN), nil
}

func newDynamoStoreWithClient(client dynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Insert(ctx context.Context, req models.MatchRequest) error {
	item, err := attributevalue.MarshalMap(itemFromRequest(req))
	if err != nil {
		return fmt.Errorf("failed to marshal match request: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(requesterId)"),
	})
	if isConditionFailed(err) {
		slog.Debug("DynamoStore.Insert: already pending", "requesterID", req.RequesterID)
		return ErrAlreadyPending
	}
	if err != nil {
		slog.Error("DynamoStore.Insert failed", "error", err, "requesterID", req.RequesterID)
		return unavailable("put match request", err)
	}
	slog.Debug("DynamoStore.Insert succeeded", "requesterID", req.RequesterID, "bucket", req.Bucket().String())
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, requesterID string) (*models.MatchRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            requesterKey(requesterID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get match request", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decodeItem(out.Item, "get match request")
}

func (s *DynamoStore) FindCompatible(ctx context.Context, difficulty int, category string, excludeRequesterID string) (*models.MatchRequest, error) {
	bucket := models.Bucket{Difficulty: difficulty, Category: category}.String()
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		IndexName:                aws.String(DynamoBucketIndex),
		KeyConditionExpression:   aws.String("#b = :b"),
		ExpressionAttributeNames: map[string]string{"#b": "bucket"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b": &types.AttributeValueMemberS{Value: bucket},
		},
	})

	var candidates []models.MatchRequest
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("query bucket", err)
		}
		for _, raw := range page.Items {
			req, err := decodeItem(raw, "query bucket")
			if err != nil {
				return nil, err
			}
			if req.RequesterID != excludeRequesterID {
				candidates = append(candidates, *req)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	c := candidates[rand.IntN(len(candidates))]
	return &c, nil
}

func (s *DynamoStore) RemoveIfPending(ctx context.Context, key RemoveKey) (*models.MatchRequest, error) {
	cond := "difficulty = :d AND category = :c"
	values := map[string]types.AttributeValue{
		":d": &types.AttributeValueMemberN{Value: fmt.Sprint(key.Difficulty)},
		":c": &types.AttributeValueMemberS{Value: key.Category},
	}
	if key.RequestID != "" {
		cond += " AND requestId = :r"
		values[":r"] = &types.AttributeValueMemberS{Value: key.RequestID}
	}

	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       requesterKey(key.RequesterID),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		slog.Debug("DynamoStore.RemoveIfPending: miss", "requesterID", key.RequesterID)
		return nil, nil
	}
	if err != nil {
		slog.Error("DynamoStore.RemoveIfPending failed", "error", err, "requesterID", key.RequesterID)
		return nil, unavailable("delete match request", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	return decodeItem(out.Attributes, "delete match request")
}

func (s *DynamoStore) AllPending(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	var reqs []models.MatchRequest
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan match requests", err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal match requests: %w", err)
		}
		for _, it := range items {
			reqs = append(reqs, it.request())
		}
	}
	return groupByBucket(reqs), nil
}

func (s *DynamoStore) CountPending(ctx context.Context) (map[models.Bucket]int, error) {
	all, err := s.AllPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Bucket]int, len(all))
	for b, reqs := range all {
		out[b] = len(reqs)
	}
	return out, nil
}

// Close is a no-op; the AWS client holds no persistent connections.
func (s *DynamoStore) Close() error { return nil }

func requesterKey(requesterID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"requesterId": &types.AttributeValueMemberS{Value: requesterID},
	}
}

func decodeItem(raw map[string]types.AttributeValue, op string) (*models.MatchRequest, error) {
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal item: %w", op, err)
	}
	req := it.request()
	return &req, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}
