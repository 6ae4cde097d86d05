package kinesis

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/logger"
)

// HandleBatch delivers every event of a stream batch to handler in record
// order and reports the records that failed, so only those are retried.
// Records without an event (markers, MODIFY, REMOVE) are skipped.
func HandleBatch(ctx context.Context, batch events.KinesisEvent, handler bus.Handler, log *logger.Logger) events.KinesisEventResponse {
	if log == nil {
		log = logger.NewNop()
	}

	var failures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord) {
		failures = append(failures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range batch.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			log.Error("failed to convert record", "record", record.EventID, "error", err)
			fail(record)
			continue
		}
		if event == nil {
			continue
		}

		msg, err := ToMessage(event)
		if err != nil {
			log.Error("failed to encode event", "event_id", event.ID, "error", err)
			fail(record)
			continue
		}
		if err := handler(ctx, msg); err != nil {
			log.Error("failed to handle event", "event_id", event.ID, "type", event.Type, "error", err)
			fail(record)
			continue
		}
	}

	log.Info("batch processed", "records", len(batch.Records), "failed", len(failures))
	return events.KinesisEventResponse{BatchItemFailures: failures}
}
