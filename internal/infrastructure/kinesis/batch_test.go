package kinesis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
)

func kinesisRecord(t *testing.T, seq string, record events.DynamoDBEventRecord) events.KinesisEventRecord {
	t.Helper()
	data, err := json.Marshal(record)
	require.NoError(t, err)
	return events.KinesisEventRecord{
		EventID: "shard-1:" + seq,
		Kinesis: events.KinesisRecord{Data: data, SequenceNumber: seq},
	}
}

func insertRecord(t *testing.T, seq, eventID string) events.KinesisEventRecord {
	return kinesisRecord(t, seq, events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change:    events.DynamoDBStreamRecord{NewImage: eventImage(eventID, "1")},
	})
}

// ============================================
// Batch Handling Tests
// ============================================

func TestHandleBatch_ReportsOnlyFailedRecords(t *testing.T) {
	batch := events.KinesisEvent{Records: []events.KinesisEventRecord{
		insertRecord(t, "100", "event-1"),
		kinesisRecord(t, "101", events.DynamoDBEventRecord{EventName: "MODIFY"}),
		{EventID: "shard-1:102", Kinesis: events.KinesisRecord{Data: []byte("not json"), SequenceNumber: "102"}},
		insertRecord(t, "103", "event-fails"),
		insertRecord(t, "104", "event-2"),
	}}

	var handled []string
	resp := HandleBatch(context.Background(), batch, func(_ context.Context, msg bus.Message) error {
		e, err := store.DecodeEnvelope(msg.Raw)
		require.NoError(t, err)
		if e.ID == "event-fails" {
			return errors.New("read store unavailable")
		}
		handled = append(handled, e.ID)
		return nil
	}, nil)

	assert.Equal(t, []string{"event-1", "event-2"}, handled)
	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "102", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "103", resp.BatchItemFailures[1].ItemIdentifier)
}

func TestHandleBatch_Empty(t *testing.T) {
	resp := HandleBatch(context.Background(), events.KinesisEvent{}, func(context.Context, bus.Message) error {
		t.Fatal("handler must not be called")
		return nil
	}, nil)
	assert.Empty(t, resp.BatchItemFailures)
}
