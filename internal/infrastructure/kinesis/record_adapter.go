// Package kinesis turns DynamoDB change records delivered through Kinesis
// Data Streams back into stored events.
package kinesis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
)

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to store.Event.
// Only INSERTs carry new events; other change types and marker items
// return nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*store.Event, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to store.Event.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*store.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}
	image := record.Change.NewImage
	// Version markers live in their own table but may share a stream.
	if _, ok := image["event_type"]; !ok && image != nil {
		return nil, nil
	}
	return convertDynamoDBImage(image)
}

func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*store.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	event := &store.Event{SchemaVersion: store.CurrentSchemaVersion}
	if v, ok := image["id"]; ok {
		event.ID = v.String()
	}
	if v, ok := image["aggregate_id"]; ok {
		event.AggregateID = v.String()
	}
	if v, ok := image["aggregate_type"]; ok {
		event.AggregateType = v.String()
	}
	if v, ok := image["event_type"]; ok {
		event.Type = v.String()
	}
	if v, ok := image["payload"]; ok {
		event.Payload = json.RawMessage(v.String())
	}
	if v, ok := image["occurred_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
		}
		event.OccurredAt = t
	}
	if v, ok := image["version"]; ok {
		version, err := strconv.Atoi(v.Number())
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		event.Version = version
	}
	if v, ok := image["schema_version"]; ok {
		sv, err := strconv.Atoi(v.Number())
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema_version: %w", err)
		}
		if sv > 0 {
			event.SchemaVersion = sv
		}
	}

	if event.ID == "" || event.AggregateID == "" || event.Type == "" || event.Version < 1 {
		return nil, fmt.Errorf("missing required fields: id=%q, aggregate_id=%q, event_type=%q, version=%d",
			event.ID, event.AggregateID, event.Type, event.Version)
	}
	return event, nil
}

// ToMessage re-encodes a converted event in the bus wire format so stream
// deliveries go through the same consumer path as broker deliveries.
func ToMessage(event *store.Event) (bus.Message, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return bus.Message{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return bus.Message{Key: []byte(event.AggregateID), Raw: raw}, nil
}
