package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
	pkgaws "github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/models"
)

// SQSClient defines the interface for SQS operations
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink publishes events to the delivery queue. A message the queue
// refuses is parked on the dead letter queue when one is configured.
type SQSSink struct {
	sqsClient SQSClient
	queueURL  string
	dlqURL    string
	logger    *logrus.Logger
}

// NewSQSSink creates a new SQS sink
func NewSQSSink(awsCfg aws.Config, cfg *config.Config, logger *logrus.Logger) *SQSSink {
	return NewSQSSinkWithClient(pkgaws.NewSQSClient(awsCfg, cfg), cfg.SQSQueueURL, cfg.SQSDLQUrl, logger)
}

// NewSQSSinkWithClient creates a sink on an existing client
func NewSQSSinkWithClient(client SQSClient, queueURL, dlqURL string, logger *logrus.Logger) *SQSSink {
	return &SQSSink{
		sqsClient: client,
		queueURL:  queueURL,
		dlqURL:    dlqURL,
		logger:    logger,
	}
}

func (s *SQSSink) Deliver(ctx context.Context, identity string, origin models.Origin, event *models.Event) error {
	body, err := event.Body()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: messageAttributes(identity, origin, event),
	}

	output, err := s.sqsClient.SendMessage(ctx, input)
	if err != nil {
		s.logger.WithError(err).WithField("server", identity).Error("Failed to publish event")
		s.sendToDLQ(ctx, input, err.Error())
		return fmt.Errorf("failed to publish event to %s: %w", s.queueURL, err)
	}

	s.logger.WithFields(logrus.Fields{
		"server":     identity,
		"origin":     origin,
		"event_type": event.Type,
		"message_id": aws.ToString(output.MessageId),
	}).Debug("Event published")
	return nil
}

// sendToDLQ parks a message the delivery queue refused
func (s *SQSSink) sendToDLQ(ctx context.Context, original *sqs.SendMessageInput, reason string) {
	if s.dlqURL == "" {
		return
	}

	attributes := make(map[string]types.MessageAttributeValue, len(original.MessageAttributes)+1)
	for name, value := range original.MessageAttributes {
		attributes[name] = value
	}
	attributes["FailureReason"] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(reason),
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.dlqURL),
		MessageBody:       original.MessageBody,
		MessageAttributes: attributes,
	}

	if _, err := s.sqsClient.SendMessage(ctx, input); err != nil {
		s.logger.WithError(err).Error("Failed to send message to DLQ")
	}
}

func messageAttributes(identity string, origin models.Origin, event *models.Event) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"Server": {
			DataType:    aws.String("String"),
			StringValue: aws.String(identity),
		},
		"EventType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(event.Type)),
		},
		"Origin": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(origin)),
		},
	}
}
