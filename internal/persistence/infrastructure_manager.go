package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
	pkgaws "github.com/d-sense/event-playback/pkg/aws"
)

// InfrastructureManager coordinates the creation of all required infrastructure
type InfrastructureManager struct {
	tableManager *TableManager
	queueManager *QueueManager
	settle       time.Duration
	logger       *logrus.Logger
}

// NewInfrastructureManager creates a manager for the configured table and queues
func NewInfrastructureManager(awsCfg aws.Config, cfg *config.Config, logger *logrus.Logger) *InfrastructureManager {
	tableNames := DefaultTableNames()
	if cfg.DynamoDBTableName != "" {
		tableNames.Checkpoints = cfg.DynamoDBTableName
	}

	return NewInfrastructureManagerWithClients(
		pkgaws.NewDynamoDBClient(awsCfg, cfg),
		pkgaws.NewSQSClient(awsCfg, cfg),
		tableNames,
		DefaultQueueNames(),
		5*time.Second,
		logger,
	)
}

// NewInfrastructureManagerWithClients creates a manager on existing clients.
// settle is how long to wait for new resources to become usable.
func NewInfrastructureManagerWithClients(dynamoClient DynamoDBClient, sqsClient SQSClient, tableNames *TableNames, queueNames *QueueNames, settle time.Duration, logger *logrus.Logger) *InfrastructureManager {
	return &InfrastructureManager{
		tableManager: NewTableManager(dynamoClient, tableNames, logger),
		queueManager: NewQueueManager(sqsClient, queueNames, logger),
		settle:       settle,
		logger:       logger,
	}
}

// SetupInfrastructure creates the checkpoint table and the delivery queues
func (i *InfrastructureManager) SetupInfrastructure(ctx context.Context) error {
	i.logger.Info("Starting infrastructure setup...")

	i.logger.Info("Setting up DynamoDB tables...")
	if err := i.tableManager.CreateNewLocalTables(ctx); err != nil {
		return fmt.Errorf("failed to setup DynamoDB tables: %w", err)
	}

	i.logger.Info("Setting up SQS queues...")
	if err := i.queueManager.CreateNewLocalQueues(ctx); err != nil {
		return fmt.Errorf("failed to setup SQS queues: %w", err)
	}

	if err := i.wait(ctx); err != nil {
		return err
	}

	queueURLs, err := i.queueManager.GetQueueURLs(ctx)
	if err != nil {
		i.logger.WithError(err).Warn("Failed to get queue URLs, continuing...")
	} else {
		i.logger.WithField("queue_urls", queueURLs).Info("Successfully retrieved queue URLs")
	}

	i.logger.Info("Infrastructure setup completed successfully!")
	return nil
}

func (i *InfrastructureManager) wait(ctx context.Context) error {
	if i.settle <= 0 {
		return nil
	}

	i.logger.WithField("wait", i.settle).Info("Waiting for resources to be ready...")
	timer := time.NewTimer(i.settle)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
