package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/parking-es/internal/bootstrap"
	"github.com/example/parking-es/internal/config"
	"github.com/example/parking-es/internal/infrastructure/kinesis"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/projection"
)

var (
	consumer *projection.Consumer
	log      *logger.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err = logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	log = log.With("service", "lambda-notifier")

	closer := &bootstrap.Closer{}
	readStore, err := bootstrap.OpenReadModel(cfg, closer)
	if err != nil {
		log.Fatal("read model unavailable", "error", err)
	}
	dlq, err := bootstrap.OpenDeadLetterSink(cfg, closer)
	if err != nil {
		log.Fatal("dead-letter sink unavailable", "error", err)
	}
	consumer = bootstrap.NewNotificationConsumer(cfg, readStore, dlq, nil, log)

	log.Info("initialized", "smtp_host", cfg.Notifier.SMTPHost, "from", cfg.Notifier.SMTPFrom)
}

func handler(ctx context.Context, batch events.KinesisEvent) (events.KinesisEventResponse, error) {
	return kinesis.HandleBatch(ctx, batch, consumer.Handle, log), nil
}

func main() {
	lambda.Start(handler)
}
