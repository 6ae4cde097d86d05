package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/segmentio/kafka-go"

	"github.com/example/parking-es/internal/infrastructure/bus"
)

// TailDeadLetters returns up to n of the most recent dead letters on topic,
// oldest first. It reads every partition directly and commits nothing.
func TailDeadLetters(ctx context.Context, brokers []string, topic string, n int) ([]bus.DeadLetter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("dial kafka: %w", err)
	}
	partitions, err := conn.ReadPartitions(topic)
	_ = conn.Close()
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", topic, err)
	}

	var letters []bus.DeadLetter
	for _, p := range partitions {
		got, err := tailPartition(ctx, brokers[0], topic, p.ID, n)
		if err != nil {
			return nil, err
		}
		letters = append(letters, got...)
	}
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].FailedAt.Before(letters[j].FailedAt)
	})
	if len(letters) > n {
		letters = letters[len(letters)-n:]
	}
	return letters, nil
}

func tailPartition(ctx context.Context, broker, topic string, partition, n int) ([]bus.DeadLetter, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", broker, topic, partition)
	if err != nil {
		return nil, fmt.Errorf("dial leader %s/%d: %w", topic, partition, err)
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return nil, fmt.Errorf("read offsets %s/%d: %w", topic, partition, err)
	}
	start := last - int64(n)
	if start < first {
		start = first
	}
	if start >= last {
		return nil, nil
	}
	if _, err := conn.Seek(start, kafka.SeekAbsolute); err != nil {
		return nil, fmt.Errorf("seek %s/%d: %w", topic, partition, err)
	}

	batch := conn.ReadBatch(1, 10e6)
	defer batch.Close()

	var letters []bus.DeadLetter
	for offset := start; offset < last; offset++ {
		msg, err := batch.ReadMessage()
		if err != nil {
			// one fetch may end short of last; what arrived is still useful
			if len(letters) > 0 {
				break
			}
			return nil, fmt.Errorf("read %s/%d@%d: %w", topic, partition, offset, err)
		}
		var dl bus.DeadLetter
		if err := json.Unmarshal(msg.Value, &dl); err != nil {
			dl = bus.DeadLetter{Raw: msg.Value, Error: "undecodable dead letter: " + err.Error(), FailedAt: msg.Time}
		}
		letters = append(letters, dl)
		if msg.Offset+1 >= last {
			break
		}
	}
	return letters, nil
}
