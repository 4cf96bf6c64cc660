package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
	"github.com/d-sense/event-playback/internal/playback"
	"github.com/d-sense/event-playback/internal/processor"
	"github.com/d-sense/event-playback/internal/validator"
	pkgaws "github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/logger"
	"github.com/d-sense/event-playback/pkg/models"
)

// Message attributes understood on the stream queue
const (
	AttrServer     = "Server"
	AttrConnection = "Connection"
	AttrRetryCount = "RetryCount"

	ConnectionEstablished = "established"
	ConnectionDown        = "down"
)

// SQSClient defines the interface for SQS operations
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Processor handles one live event of a connection
type Processor interface {
	ProcessEvent(ctx context.Context, identity string, eventData interface{}) (*models.Event, error)
}

// Connection receives the connection state changes of one server
type Connection interface {
	BeginCycle()
	ConnectionEstablished(ctx context.Context) playback.CycleResult
	ConnectionDown()
}

// ConnectionLookup resolves the connection of an identity
type ConnectionLookup func(identity string) (Connection, bool)

// RegistryConnections resolves connections from the playback registry
func RegistryConnections(registry *playback.Registry) ConnectionLookup {
	return func(identity string) (Connection, bool) {
		m, ok := registry.Get(identity)
		if !ok {
			return nil, false
		}
		return m, true
	}
}

// SQSConsumer reads the Gerrit stream from an SQS queue. Every message
// carries the Server attribute; a message with a Connection attribute is
// a connection state change, any other message is a stream event.
// Messages of one batch are handled in order.
type SQSConsumer struct {
	sqsClient   SQSClient
	queueURL    string
	dlqURL      string
	processor   Processor
	connections ConnectionLookup
	logger      *logrus.Logger
	maxRetries  int
	waitTime    int32
	batchSize   int32
	newBackOff  func() backoff.BackOff

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  sync.WaitGroup
}

// NewSQSConsumer creates a consumer of the configured stream queue
func NewSQSConsumer(awsCfg aws.Config, cfg *config.Config, processor Processor, connections ConnectionLookup, logger *logrus.Logger) *SQSConsumer {
	return NewSQSConsumerWithClient(pkgaws.NewSQSClient(awsCfg, cfg), cfg.SQSStreamQueueURL, cfg.SQSDLQUrl, processor, connections, logger)
}

// NewSQSConsumerWithClient creates a consumer on an existing client
func NewSQSConsumerWithClient(client SQSClient, queueURL, dlqURL string, processor Processor, connections ConnectionLookup, logger *logrus.Logger) *SQSConsumer {
	return &SQSConsumer{
		sqsClient:   client,
		queueURL:    queueURL,
		dlqURL:      dlqURL,
		processor:   processor,
		connections: connections,
		logger:      logger,
		maxRetries:  3,
		waitTime:    20, // Long polling
		batchSize:   10,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Start begins consuming messages from SQS
func (c *SQSConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer is already running")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.running = true
	c.logger.WithField("queue_url", c.queueURL).Info("Starting SQS consumer")

	go c.consumeMessages(ctx, c.done)
	return nil
}

// Stop stops polling and waits for the message in hand and any running
// catch-up cycle, or until ctx expires.
func (c *SQSConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()

	c.logger.Info("Stopping SQS consumer")

	stopped := make(chan struct{})
	go func() {
		<-done
		c.cycles.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-stopped:
		return nil
	}
}

// consumeMessages continuously polls SQS for messages
func (c *SQSConsumer) consumeMessages(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := c.newBackOff()
	for {
		if ctx.Err() != nil {
			c.logger.Info("SQS consumer stopped")
			return
		}

		if err := c.pollMessages(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := b.NextBackOff()
			c.logger.WithError(err).WithField("retry_in", wait).Error("Failed to receive messages from SQS")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
	}
}

// pollMessages retrieves and processes a batch of messages
func (c *SQSConsumer) pollMessages(ctx context.Context) error {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitTime,
		MessageAttributeNames: []string{
			"All",
		},
	}

	result, err := c.sqsClient.ReceiveMessage(ctx, input)
	if err != nil {
		return err
	}

	if len(result.Messages) > 0 {
		c.logger.WithField("message_count", len(result.Messages)).Debug("Received messages from SQS")
	}

	for i := range result.Messages {
		c.processMessage(ctx, &result.Messages[i])
	}
	return nil
}

// processMessage processes a single SQS message
func (c *SQSConsumer) processMessage(ctx context.Context, message *types.Message) {
	identity := stringAttribute(message, AttrServer)

	logger := logger.WithFields(c.logger, map[string]interface{}{
		"message_id": aws.ToString(message.MessageId),
		"server":     identity,
	})
	logger.Debug("Processing message")

	if identity == "" {
		logger.Warn("Message without server attribute, sending to DLQ")
		c.sendToDLQ(ctx, message, "Missing Server attribute")
		c.deleteMessage(ctx, message)
		return
	}

	if state := stringAttribute(message, AttrConnection); state != "" {
		c.handleConnection(ctx, logger, message, identity, state)
		return
	}

	retryCount := c.getRetryCount(message)
	if retryCount >= c.maxRetries {
		logger.WithField("retry_count", retryCount).Warn("Message exceeded max retries, sending to DLQ")
		c.sendToDLQ(ctx, message, "Max retries exceeded")
		c.deleteMessage(ctx, message)
		return
	}

	if _, err := c.processor.ProcessEvent(ctx, identity, message); err != nil {
		logger.WithError(err).Error("Failed to process event")

		switch {
		case errors.Is(err, validator.ErrParse), errors.Is(err, processor.ErrUnknownServer):
			c.sendToDLQ(ctx, message, fmt.Sprintf("Processing failed: %v", err))
		default:
			if !c.requeueMessage(ctx, message, retryCount+1) {
				// left for redelivery after the visibility timeout
				return
			}
		}
		c.deleteMessage(ctx, message)
		return
	}

	logger.Debug("Successfully processed message")
	c.deleteMessage(ctx, message)
}

// handleConnection applies a connection state change. A catch-up cycle
// runs in the background so the stream keeps flowing while it replays;
// it is announced first so that a disconnect read right after it is not
// lost.
func (c *SQSConsumer) handleConnection(ctx context.Context, logger *logrus.Entry, message *types.Message, identity, state string) {
	conn, ok := c.connections(identity)
	if !ok {
		logger.Warn("Connection state for unknown server, sending to DLQ")
		c.sendToDLQ(ctx, message, "Unknown server "+identity)
		c.deleteMessage(ctx, message)
		return
	}

	switch state {
	case ConnectionDown:
		conn.ConnectionDown()
	case ConnectionEstablished:
		conn.BeginCycle()
		c.cycles.Add(1)
		go func() {
			defer c.cycles.Done()
			result := conn.ConnectionEstablished(context.WithoutCancel(ctx))
			logger.WithFields(logrus.Fields{
				"cycle_id":  result.CycleID,
				"outcome":   result.Outcome,
				"recovered": result.Recovered,
			}).Info("Catch-up cycle finished")
		}()
	default:
		logger.WithField("state", state).Warn("Unknown connection state, sending to DLQ")
		c.sendToDLQ(ctx, message, "Unknown connection state "+state)
	}
	c.deleteMessage(ctx, message)
}

// sendToDLQ sends a message to the Dead Letter Queue
func (c *SQSConsumer) sendToDLQ(ctx context.Context, message *types.Message, reason string) {
	if c.dlqURL == "" {
		return
	}

	attributes := make(map[string]types.MessageAttributeValue, len(message.MessageAttributes)+2)
	for name, value := range message.MessageAttributes {
		attributes[name] = value
	}
	attributes["OriginalMessageId"] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: message.MessageId,
	}
	attributes["FailureReason"] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(reason),
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(c.dlqURL),
		MessageBody:       message.Body,
		MessageAttributes: attributes,
	}

	_, err := c.sqsClient.SendMessage(ctx, input)
	if err != nil {
		c.logger.WithError(err).Error("Failed to send message to DLQ")
	}
}

// requeueMessage puts a message back in the queue with incremented retry count
func (c *SQSConsumer) requeueMessage(ctx context.Context, message *types.Message, newRetryCount int) bool {
	if message.MessageAttributes == nil {
		message.MessageAttributes = make(map[string]types.MessageAttributeValue)
	}

	message.MessageAttributes[AttrRetryCount] = types.MessageAttributeValue{
		DataType:    aws.String("Number"),
		StringValue: aws.String(strconv.Itoa(newRetryCount)),
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(c.queueURL),
		MessageBody:       message.Body,
		MessageAttributes: message.MessageAttributes,
		DelaySeconds:      int32(newRetryCount * 5),
	}

	_, err := c.sqsClient.SendMessage(ctx, input)
	if err != nil {
		c.logger.WithError(err).Error("Failed to requeue message")
		return false
	}

	logger.WithFields(c.logger, map[string]interface{}{
		"message_id":  aws.ToString(message.MessageId),
		"retry_count": newRetryCount,
	}).Info("Message requeued")
	return true
}

// deleteMessage removes a processed message from the queue
func (c *SQSConsumer) deleteMessage(ctx context.Context, message *types.Message) {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	}

	_, err := c.sqsClient.DeleteMessage(context.WithoutCancel(ctx), input)
	if err != nil {
		c.logger.WithError(err).Error("Failed to delete message from queue")
	}
}

// getRetryCount extracts the retry count from message attributes
func (c *SQSConsumer) getRetryCount(message *types.Message) int {
	if count, err := strconv.Atoi(stringAttribute(message, AttrRetryCount)); err == nil {
		return count
	}
	return 0
}

func stringAttribute(message *types.Message, name string) string {
	if message.MessageAttributes == nil {
		return ""
	}
	attr, ok := message.MessageAttributes[name]
	if !ok {
		return ""
	}
	return aws.ToString(attr.StringValue)
}
