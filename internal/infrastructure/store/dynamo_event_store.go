package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxTransactItems is DynamoDB's TransactWriteItems limit; one slot goes to
// the version marker.
const maxTransactItems = 100

// DynamoAPI is the subset of the DynamoDB client the stores use.
type DynamoAPI interface {
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoEventStore stores events in DynamoDB.
// Events are automatically streamed to Kinesis Data Streams via DynamoDB Kinesis integration.
// The markers table holds one item per aggregate with its latest version.
type DynamoEventStore struct {
	client       DynamoAPI
	tableName    string
	markersTable string
}

// dynamoEvent represents the DynamoDB item structure
type dynamoEvent struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	Version       int    `dynamodbav:"version"`
	ID            string `dynamodbav:"id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	EventType     string `dynamodbav:"event_type"`
	SchemaVersion int    `dynamodbav:"schema_version"`
	Payload       string `dynamodbav:"payload"`
	OccurredAt    string `dynamodbav:"occurred_at"`
}

type dynamoMarker struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	Version       int    `dynamodbav:"version"`
}

func NewDynamoEventStore(client DynamoAPI, tableName, markersTable string) *DynamoEventStore {
	return &DynamoEventStore{
		client:       client,
		tableName:    tableName,
		markersTable: markersTable,
	}
}

// Append writes the marker update and every event in one TransactWriteItems
// call. A failed marker condition cancels the whole transaction.
func (es *DynamoEventStore) Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) (int, error) {
	if err := prepareAppend(aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return es.currentVersion(ctx, aggregateID, expectedVersion)
	}
	if len(events) > maxTransactItems-1 {
		return 0, fmt.Errorf("append %d events to %s: exceeds DynamoDB transaction limit of %d",
			len(events), aggregateID, maxTransactItems-1)
	}
	newVersion := expectedVersion + len(events)

	items := make([]types.TransactWriteItem, 0, len(events)+1)
	marker, err := es.markerWrite(aggregateID, events[0].AggregateType, expectedVersion, newVersion)
	if err != nil {
		return 0, err
	}
	items = append(items, marker)

	for _, e := range events {
		av, err := attributevalue.MarshalMap(dynamoEvent{
			AggregateID:   e.AggregateID,
			Version:       e.Version,
			ID:            e.ID,
			AggregateType: e.AggregateType,
			EventType:     e.Type,
			SchemaVersion: e.SchemaVersion,
			Payload:       string(e.Payload),
			OccurredAt:    e.OccurredAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		})
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return 0, conflictError(aggregateID, expectedVersion)
		}
		return 0, fmt.Errorf("failed to append events: %w", err)
	}
	return newVersion, nil
}

func (es *DynamoEventStore) markerWrite(aggregateID, aggregateType string, expected, next int) (types.TransactWriteItem, error) {
	if expected == 0 {
		av, err := attributevalue.MarshalMap(dynamoMarker{
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Version:       next,
		})
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("failed to marshal marker: %w", err)
		}
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.markersTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		}, nil
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(es.markersTable),
			Key: map[string]types.AttributeValue{
				"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
			},
			UpdateExpression:    aws.String("SET version = :next"),
			ConditionExpression: aws.String("version = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":next":     &types.AttributeValueMemberN{Value: strconv.Itoa(next)},
				":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expected)},
			},
		},
	}, nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (es *DynamoEventStore) currentVersion(ctx context.Context, aggregateID string, expectedVersion int) (int, error) {
	result, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(es.markersTable),
		Key: map[string]types.AttributeValue{
			"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get marker: %w", err)
	}
	var marker dynamoMarker
	if result.Item != nil {
		if err := attributevalue.UnmarshalMap(result.Item, &marker); err != nil {
			return 0, fmt.Errorf("failed to unmarshal marker: %w", err)
		}
	}
	if marker.Version != expectedVersion {
		return 0, conflictError(aggregateID, expectedVersion)
	}
	return marker.Version, nil
}

// LoadEvents returns events for an aggregate after fromVersion, following
// query pagination.
func (es *DynamoEventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	var (
		events []Event
		start  map[string]types.AttributeValue
	)
	for {
		result, err := es.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(es.tableName),
			KeyConditionExpression: aws.String("aggregate_id = :aid AND version > :ver"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":aid": &types.AttributeValueMemberS{Value: aggregateID},
				":ver": &types.AttributeValueMemberN{Value: strconv.Itoa(fromVersion)},
			},
			ScanIndexForward:  aws.Bool(true), // Ascending order by version
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		page, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(result.LastEvaluatedKey) == 0 {
			return events, nil
		}
		start = result.LastEvaluatedKey
	}
}

func unmarshalDynamoEvents(items []map[string]types.AttributeValue) ([]Event, error) {
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		occurredAt, err := time.Parse(time.RFC3339Nano, de.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad occurred_at: %w", de.ID, err)
		}
		events = append(events, Event{
			ID:            de.ID,
			AggregateID:   de.AggregateID,
			AggregateType: de.AggregateType,
			Type:          de.EventType,
			SchemaVersion: de.SchemaVersion,
			Version:       de.Version,
			Payload:       json.RawMessage(de.Payload),
			OccurredAt:    occurredAt,
		})
	}
	return events, nil
}

// dynamoSnapshot represents the DynamoDB item structure for snapshots
// Stored in a separate snapshots table with aggregate_id as partition key
type dynamoSnapshot struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	Version       int    `dynamodbav:"version"` // Event version at snapshot time
	State         string `dynamodbav:"state"`   // Serialized aggregate state
	CreatedAt     string `dynamodbav:"created_at"`
}

// DynamoSnapshotStore keeps one snapshot item per aggregate.
type DynamoSnapshotStore struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoSnapshotStore(client DynamoAPI, tableName string) *DynamoSnapshotStore {
	return &DynamoSnapshotStore{client: client, tableName: tableName}
}

// Save replaces the stored snapshot only when it is older than snapshot.
func (s *DynamoSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		Version:       snapshot.Version,
		State:         string(snapshot.State),
		CreatedAt:     createdAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(aggregate_id) OR version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.Itoa(snapshot.Version)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil // an equal or newer snapshot is already stored
		}
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (s *DynamoSnapshotStore) Load(ctx context.Context, aggregateID string) (*Snapshot, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if result.Item == nil {
		return nil, nil // No snapshot exists
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, ds.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s@%d: bad created_at: %w", ds.AggregateID, ds.Version, err)
	}

	return &Snapshot{
		AggregateID:   ds.AggregateID,
		AggregateType: ds.AggregateType,
		Version:       ds.Version,
		State:         json.RawMessage(ds.State),
		CreatedAt:     createdAt,
	}, nil
}
