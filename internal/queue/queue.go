// Package queue connects the server and workers through rabbitmq:
// topology setup, job publishing, and the consume-side retry and
// dead-letter handling.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// IngestQueue carries ingestion jobs, one document each.
	IngestQueue = "ingest_queue"
	// RetractQueue carries retraction jobs published by document
	// deletion.
	RetractQueue = "retract_queue"

	// retryDelayMs parks a requeued message on the retry queue before
	// it dead-letters back onto the work queue.
	retryDelayMs = 10000
	// maxRetries is the number of requeues before a message is parked
	// on the dead-letter queue for inspection.
	maxRetries = 10
)

// Queues returns the work queues a worker consumes.
func Queues() []string {
	return []string{IngestQueue, RetractQueue}
}

// IngestJob asks a worker to run the ingestion state machine for one
// document. CorrelationID ties the job to the trigger that published
// it across log lines and lease tokens.
type IngestJob struct {
	Message       string `json:"message,omitempty"`
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RetractJob asks a worker to remove one document and its graph
// footprint.
type RetractJob struct {
	DocumentID string `json:"document_id"`
}

func Init() *amqp091.Connection {
	user := util.GetEnvString("RABBITMQ_USER", "guest")
	pass := util.GetEnvString("RABBITMQ_PASSWORD", "guest")
	host := util.GetEnvString("RABBITMQ_HOST", "localhost")
	port := util.GetEnvString("RABBITMQ_PORT", "5672")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares each work queue together with its dead-letter
// queue and its retry queue. The retry queue holds messages for
// retryDelayMs and then dead-letters them back onto the work queue.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelayMs),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
		}
	}

	return nil
}

// PublishFIFO publishes a persistent message onto a named queue,
// declaring the queue first so publishes survive a fresh broker.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	err = ch.Publish(
		"",
		q.Name,
		false,
		false,
		publishing,
	)
	if err != nil {
		return err
	}

	return nil
}

// PublishIngestJob enqueues an ingestion job for one document.
func PublishIngestJob(ch *amqp091.Channel, documentID, correlationID string) error {
	data, err := json.Marshal(IngestJob{DocumentID: documentID, CorrelationID: correlationID})
	if err != nil {
		return err
	}
	return PublishFIFO(ch, IngestQueue, data)
}

// PublishRetractJob enqueues a retraction job for one document.
func PublishRetractJob(ch *amqp091.Channel, documentID string) error {
	data, err := json.Marshal(RetractJob{DocumentID: documentID})
	if err != nil {
		return err
	}
	return PublishFIFO(ch, RetractQueue, data)
}

// JobPublisher enqueues a job payload onto a named queue. Satisfied by
// ChannelPublisher; tests substitute a recorder.
type JobPublisher interface {
	PublishJob(queueName string, data []byte) error
}

// ChannelPublisher adapts an amqp channel to JobPublisher.
type ChannelPublisher struct {
	Ch *amqp091.Channel
}

func (p ChannelPublisher) PublishJob(queueName string, data []byte) error {
	return PublishFIFO(p.Ch, queueName, data)
}

// RetryCount reads the x-retries header from a delivery. The broker
// hands integers back in whichever width they were encoded with.
func RetryCount(headers amqp091.Table) int {
	val, ok := headers["x-retries"]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError requeues a failed delivery through the retry
// queue with a bumped x-retries header, or parks it on the dead-letter
// queue once the retry budget is spent. The delivery is acked either
// way; only a failed publish nacks it back to the broker.
func HandleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery, queueName string) {
	retries := RetryCount(msg.Headers)

	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "queue", queueName, "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
