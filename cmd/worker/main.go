package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/magpie-ai/magpie/internal/queue"
	"github.com/magpie-ai/magpie/internal/setup"
	"github.com/magpie-ai/magpie/internal/timing"
	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/graph"
	"github.com/magpie-ai/magpie/pkg/leaselock"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/loader/doc"
	"github.com/magpie-ai/magpie/pkg/loader/pdf"
	s3loader "github.com/magpie-ai/magpie/pkg/loader/s3"
	"github.com/magpie-ai/magpie/pkg/loader/web"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	st, pool, closeStore, err := setup.GraphStore(ctx)
	if err != nil {
		logger.Fatal("Failed to set up graph store", "err", err)
	}
	defer closeStore()

	aiClient := setup.AIClient()

	objects := setup.ObjectStore(ctx)

	// Uploaded documents live in the object store. Web documents carry
	// their URL as the storage key and need no source at all.
	var source loader.Source
	if objects != nil {
		source = s3loader.NewS3SourceWithClient(objects.Bucket(), objects.Client())
	}

	parsers := &loader.ParserSet{
		PDF:  pdf.NewParser(),
		Docx: doc.NewParser(),
		Web:  web.NewParser(),
		Text: loader.NewTextParser(),
	}

	var stages graph.StageRecorder
	var locker *leaselock.Locker
	if pool != nil {
		stages = timing.New(pool)
		locker = leaselock.New(pool)
	}

	graphClient, err := graph.NewClient(graph.NewClientParams{
		AI:      aiClient,
		Store:   st,
		Source:  source,
		Parsers: parsers,
		Stages:  stages,
		Config:  graph.ConfigFromEnv(),
	})
	if err != nil {
		logger.Fatal("Failed to create graph client", "err", err)
	}

	worker, err := queue.NewWorker(queue.WorkerParams{
		Store:   st,
		Graph:   graphClient,
		Objects: objects,
		Locker:  locker,
	})
	if err != nil {
		logger.Fatal("Failed to create worker", "err", err)
	}

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	queues := queue.Queues()
	if err := queue.SetupQueues(ch, queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	if err := worker.RecoverStaleDocuments(ctx, queue.ChannelPublisher{Ch: ch}); err != nil {
		logger.Error("Failed to recover stale documents", "err", err)
	}

	logger.Info("Listening for messages")

	// Create a single consumer channel with prefetch=1
	// This ensures only ONE message is delivered at a time across all queues
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.IngestQueue:
					processingErr = worker.ProcessIngestMessage(ctx, string(qm.msg.Body))
				case queue.RetractQueue:
					processingErr = worker.ProcessRetractMessage(ctx, string(qm.msg.Body))
				}

				// If there was an error send to retry or dead-letter, otherwise ack the message
				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					queue.HandleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					err = qm.msg.Ack(false)
					if err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				metrics := aiClient.GetMetrics()
				aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
				aiHours := int(aiDuration.Hours())
				aiMinutes := int(aiDuration.Minutes()) % 60
				aiSeconds := int(aiDuration.Seconds()) % 60
				logger.Info(
					"AI Metrics",
					"input_tokens", metrics.InputTokens,
					"output_tokens", metrics.OutputTokens,
					"total_tokens", metrics.TotalTokens,
					"duration", fmt.Sprintf("%02d:%02d:%02d", aiHours, aiMinutes, aiSeconds),
				)

				processingDuration := time.Since(startTime)
				hours := int(processingDuration.Hours())
				minutes := int(processingDuration.Minutes()) % 60
				seconds := int(processingDuration.Seconds()) % 60
				logger.Info(
					"Processing time",
					"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
				)
				logger.Info("Waiting for next message")
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}
