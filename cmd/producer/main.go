package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
	"github.com/d-sense/event-playback/internal/consumer"
	awsPkg "github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/logger"
)

// Simulates the Gerrit stream on SQS_STREAM_QUEUE_URL for local runs.
// Every PRODUCER_OUTAGE_EVERY events one server drops its connection for
// PRODUCER_OUTAGE_EVENTS events, so the service has something to recover.
func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found")
	}

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if cfg.SQSStreamQueueURL == "" {
		log.Fatal("SQS_STREAM_QUEUE_URL is required")
	}
	if len(cfg.GerritServers) == 0 {
		log.Fatal("GERRIT_SERVERS is required")
	}

	rate := getEnvAsInt("PRODUCER_RATE", 1)
	if rate <= 0 {
		rate = 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsPkg.NewSession(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create AWS session")
	}
	sqsClient := awsPkg.NewSQSClient(awsCfg, cfg)

	servers := make([]string, 0, len(cfg.GerritServers))
	for _, server := range cfg.GerritServers {
		servers = append(servers, server.Name)
	}
	gen := newGenerator(servers, time.Now)
	outages := newOutagePlan(getEnvAsInt("PRODUCER_OUTAGE_EVERY", 0), getEnvAsInt("PRODUCER_OUTAGE_EVENTS", 5))

	log.WithFields(logrus.Fields{
		"rate":    rate,
		"queue":   cfg.SQSStreamQueueURL,
		"servers": servers,
	}).Info("Producing Gerrit stream events")

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	eventCount := 0
	for {
		select {
		case <-ctx.Done():
			log.WithField("sent", eventCount).Info("Producer stopped")
			return
		case <-ticker.C:
		}

		server, body, err := gen.next()
		if err != nil {
			log.WithError(err).Error("Failed to generate event")
			continue
		}

		for _, change := range outages.step(server) {
			if err := sendConnection(ctx, sqsClient, cfg.SQSStreamQueueURL, change.server, change.state); err != nil {
				log.WithError(err).Error("Failed to send connection state")
			}
		}

		if outages.isDown(server) {
			// missed by the live stream, only the audit log has it
			continue
		}

		if err := sendEvent(ctx, sqsClient, cfg.SQSStreamQueueURL, server, body); err != nil {
			log.WithError(err).Error("Failed to send event")
			continue
		}
		eventCount++
		log.WithFields(logrus.Fields{"server": server, "count": eventCount}).Debug("Sent event")
	}
}

func sendEvent(ctx context.Context, client *sqs.Client, queueURL, server string, body []byte) error {
	_, err := client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			consumer.AttrServer: {DataType: aws.String("String"), StringValue: aws.String(server)},
		},
	})
	return err
}

func sendConnection(ctx context.Context, client *sqs.Client, queueURL, server, state string) error {
	_, err := client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String("{}"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			consumer.AttrServer:     {DataType: aws.String("String"), StringValue: aws.String(server)},
			consumer.AttrConnection: {DataType: aws.String("String"), StringValue: aws.String(state)},
		},
	})
	return err
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
