package persistence

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
)

// TableNames holds the names of DynamoDB tables
type TableNames struct {
	Checkpoints string
}

// DefaultTableNames returns default table names
func DefaultTableNames() *TableNames {
	return &TableNames{
		Checkpoints: "gerrit-checkpoints",
	}
}

// TableManager handles DynamoDB table creation and management
type TableManager struct {
	client     DynamoDBClient
	tableNames *TableNames
	logger     *logrus.Logger
}

// NewTableManager creates a new table manager
func NewTableManager(client DynamoDBClient, tableNames *TableNames, logger *logrus.Logger) *TableManager {
	return &TableManager{
		client:     client,
		tableNames: tableNames,
		logger:     logger,
	}
}

// CreateNewLocalTables creates local DynamoDB tables that don't already exist
func (t *TableManager) CreateNewLocalTables(ctx context.Context) error {
	existing, err := t.listTables(ctx)
	if err != nil {
		return err
	}

	t.logger.WithField("existing_tables", existing).Info("Found existing tables")
	for _, foundTable := range existing {
		if foundTable == t.tableNames.Checkpoints {
			t.logger.WithField("table", foundTable).Info("Table already exists")
			return nil
		}
	}

	if err := t.createCheckpointsTable(ctx); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	return nil
}

func (t *TableManager) listTables(ctx context.Context) ([]string, error) {
	var (
		names []string
		start *string
	)
	for {
		result, err := t.client.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: start})
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		names = append(names, result.TableNames...)
		if result.LastEvaluatedTableName == nil {
			return names, nil
		}
		start = result.LastEvaluatedTableName
	}
}

// createCheckpointsTable creates the checkpoints table, one item per server
func (t *TableManager) createCheckpointsTable(ctx context.Context) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(t.tableNames.Checkpoints),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrIdentity),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrIdentity),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	_, err := t.client.CreateTable(ctx, input)
	if err != nil {
		return fmt.Errorf("unable to create '%s' DynamoDB table: %w", t.tableNames.Checkpoints, err)
	}

	t.logger.WithField("table", t.tableNames.Checkpoints).Info("Successfully created checkpoints table")
	return nil
}
