package persistence

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"
)

// SQSClient defines the SQS operations used to provision queues
type SQSClient interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// QueueNames holds the names of SQS queues
type QueueNames struct {
	EventQueue string
	EventDLQ   string
}

// DefaultQueueNames returns default queue names
func DefaultQueueNames() *QueueNames {
	return &QueueNames{
		EventQueue: "gerrit-events",
		EventDLQ:   "gerrit-events-dlq",
	}
}

// QueueManager handles SQS queue creation and management
type QueueManager struct {
	client     SQSClient
	queueNames *QueueNames
	logger     *logrus.Logger
}

// NewQueueManager creates a new queue manager
func NewQueueManager(client SQSClient, queueNames *QueueNames, logger *logrus.Logger) *QueueManager {
	return &QueueManager{
		client:     client,
		queueNames: queueNames,
		logger:     logger,
	}
}

// CreateNewLocalQueues creates the event queue and its DLQ. CreateQueue is
// idempotent for identical attributes, so existing queues are kept.
func (q *QueueManager) CreateNewLocalQueues(ctx context.Context) error {
	result, err := q.client.ListQueues(ctx, &sqs.ListQueuesInput{})
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}

	q.logger.WithField("existing_queues", result.QueueUrls).Info("Found existing queues")

	if err := q.createQueue(ctx, q.queueNames.EventQueue); err != nil {
		return fmt.Errorf("failed to create event queue: %w", err)
	}

	if err := q.createQueue(ctx, q.queueNames.EventDLQ); err != nil {
		return fmt.Errorf("failed to create event DLQ: %w", err)
	}

	return nil
}

func (q *QueueManager) createQueue(ctx context.Context, name string) error {
	attributes := map[string]string{
		"MessageRetentionPeriod": "1209600", // 14 days
		"VisibilityTimeout":      "30",
	}

	_, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("unable to create queue %s: %w", name, err)
	}

	q.logger.WithField("queue", name).Info("Successfully created queue")
	return nil
}

// GetQueueURLs returns the URLs for the created queues
func (q *QueueManager) GetQueueURLs(ctx context.Context) (map[string]string, error) {
	urls := make(map[string]string)

	result, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(q.queueNames.EventQueue),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get event queue URL: %w", err)
	}
	urls["event_queue"] = aws.ToString(result.QueueUrl)

	result, err = q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(q.queueNames.EventDLQ),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get event DLQ URL: %w", err)
	}
	urls["event_dlq"] = aws.ToString(result.QueueUrl)

	return urls, nil
}
