package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/pkg/models"
)

const testTable = "gerrit-checkpoints"

func checkpointItem(identity, ts string, keys ...models.EventKey) map[string]types.AttributeValue {
	events := make([]types.AttributeValue, 0, len(keys))
	for _, key := range keys {
		events = append(events, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"changeId": &types.AttributeValueMemberS{Value: key.ChangeID},
			"patchSet": &types.AttributeValueMemberS{Value: key.PatchSet},
			"type":     &types.AttributeValueMemberS{Value: key.Type},
		}})
	}
	return map[string]types.AttributeValue{
		"identity":  &types.AttributeValueMemberS{Value: identity},
		"timestamp": &types.AttributeValueMemberN{Value: ts},
		"events":    &types.AttributeValueMemberL{Value: events},
	}
}

var merged = models.EventKey{ChangeID: "myProject~3", PatchSet: "1", Type: "change-merged"}

type loadTestCase struct {
	name        string
	mockClient  func(*MockDynamoDBClient)
	expected    map[string]checkpoint.EventTimeSlice
	expectError bool
	errorMsg    string
	description string
}

func TestDynamoDBStoreLoad(t *testing.T) {
	tests := []loadTestCase{
		{
			name: "Empty Table",
			mockClient: func(mc *MockDynamoDBClient) {
				mc.On("Scan", mock.Anything, mock.AnythingOfType("*dynamodb.ScanInput")).Return(&dynamodb.ScanOutput{}, nil)
			},
			expected:    map[string]checkpoint.EventTimeSlice{},
			description: "Should return an empty mapping when nothing was saved",
		},
		{
			name: "Paginated Scan",
			mockClient: func(mc *MockDynamoDBClient) {
				next := map[string]types.AttributeValue{"identity": &types.AttributeValueMemberS{Value: "review"}}
				mc.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
					return in.ExclusiveStartKey == nil
				})).Return(&dynamodb.ScanOutput{
					Items:            []map[string]types.AttributeValue{checkpointItem("review", "1415906575000", merged)},
					LastEvaluatedKey: next,
				}, nil).Once()
				mc.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
					return in.ExclusiveStartKey != nil
				})).Return(&dynamodb.ScanOutput{
					Items: []map[string]types.AttributeValue{checkpointItem("android", "1000")},
				}, nil).Once()
			},
			expected: map[string]checkpoint.EventTimeSlice{
				"review":  {Timestamp: 1415906575000, Events: []models.EventKey{merged}},
				"android": {Timestamp: 1000, Events: []models.EventKey{}},
			},
			description: "Should follow LastEvaluatedKey until the scan is complete",
		},
		{
			name: "Scan Failure",
			mockClient: func(mc *MockDynamoDBClient) {
				mc.On("Scan", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
			},
			expectError: true,
			errorMsg:    "failed to scan table",
			description: "Should report a persistence error when the scan fails",
		},
		{
			name: "Invalid Timestamp",
			mockClient: func(mc *MockDynamoDBClient) {
				mc.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{
					Items: []map[string]types.AttributeValue{checkpointItem("review", "-5")},
				}, nil)
			},
			expectError: true,
			errorMsg:    "invalid timestamp",
			description: "Should reject negative timestamps",
		},
		{
			name: "Missing Identity",
			mockClient: func(mc *MockDynamoDBClient) {
				mc.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{
					Items: []map[string]types.AttributeValue{{
						"timestamp": &types.AttributeValueMemberN{Value: "1"},
					}},
				}, nil)
			},
			expectError: true,
			errorMsg:    "item without identity",
			description: "Should reject items without the hash key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockDynamoDBClient)
			tt.mockClient(mockClient)
			store := NewDynamoDBStoreWithClient(mockClient, testTable)

			result, err := store.Load(context.Background())

			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, checkpoint.ErrPersistence)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Contains(t, err.Error(), "dynamodb://"+testTable)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestDynamoDBStoreSaveWritesItem(t *testing.T) {
	mockClient := new(MockDynamoDBClient)
	var captured *dynamodb.PutItemInput
	mockClient.On("PutItem", mock.Anything, mock.AnythingOfType("*dynamodb.PutItemInput")).
		Run(func(args mock.Arguments) { captured = args.Get(1).(*dynamodb.PutItemInput) }).
		Return(&dynamodb.PutItemOutput{}, nil).Once()

	store := NewDynamoDBStoreWithClient(mockClient, testTable)
	err := store.Save(context.Background(), map[string]checkpoint.EventTimeSlice{
		"review": {Timestamp: 1415906575000, Events: []models.EventKey{merged}},
	})

	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, testTable, *captured.TableName)
	assert.Equal(t, checkpointItem("review", "1415906575000", merged), captured.Item)
	mockClient.AssertExpectations(t)
}

func TestDynamoDBStoreSaveSkipsUnchanged(t *testing.T) {
	mockClient := new(MockDynamoDBClient)
	mockClient.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			checkpointItem("review", "1000", merged),
			checkpointItem("android", "2000", merged),
		},
	}, nil)
	mockClient.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		id, ok := in.Item["identity"].(*types.AttributeValueMemberS)
		return ok && id.Value == "android"
	})).Return(&dynamodb.PutItemOutput{}, nil).Once()

	store := NewDynamoDBStoreWithClient(mockClient, testTable)
	slices, err := store.Load(context.Background())
	require.NoError(t, err)

	slices["android"] = checkpoint.EventTimeSlice{Timestamp: 3000, Events: []models.EventKey{merged}}
	require.NoError(t, store.Save(context.Background(), slices))

	mockClient.AssertExpectations(t)
	mockClient.AssertNumberOfCalls(t, "PutItem", 1)
}

func TestDynamoDBStoreSaveDeletesRemovedIdentities(t *testing.T) {
	mockClient := new(MockDynamoDBClient)
	mockClient.On("PutItem", mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)
	mockClient.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		id, ok := in.Key["identity"].(*types.AttributeValueMemberS)
		return ok && id.Value == "android"
	})).Return(&dynamodb.DeleteItemOutput{}, nil).Once()

	store := NewDynamoDBStoreWithClient(mockClient, testTable)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, map[string]checkpoint.EventTimeSlice{
		"review":  {Timestamp: 1000, Events: []models.EventKey{merged}},
		"android": {Timestamp: 2000, Events: []models.EventKey{merged}},
	}))
	require.NoError(t, store.Save(ctx, map[string]checkpoint.EventTimeSlice{
		"review": {Timestamp: 1000, Events: []models.EventKey{merged}},
	}))

	mockClient.AssertExpectations(t)
	mockClient.AssertNumberOfCalls(t, "PutItem", 2)
}

func TestDynamoDBStoreSaveFailureRetriesNextTime(t *testing.T) {
	mockClient := new(MockDynamoDBClient)
	mockClient.On("PutItem", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()
	mockClient.On("PutItem", mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil).Once()

	store := NewDynamoDBStoreWithClient(mockClient, testTable)
	slices := map[string]checkpoint.EventTimeSlice{
		"review": {Timestamp: 1000, Events: []models.EventKey{merged}},
	}

	err := store.Save(context.Background(), slices)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrPersistence)

	require.NoError(t, store.Save(context.Background(), slices))
	mockClient.AssertNumberOfCalls(t, "PutItem", 2)
}

func TestDynamoDBStoreHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		expectError bool
		description string
	}{
		{
			name:        "Table Reachable",
			description: "Should pass when DescribeTable succeeds",
		},
		{
			name:        "Table Missing",
			err:         errors.New("ResourceNotFoundException"),
			expectError: true,
			description: "Should fail when DescribeTable fails",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockDynamoDBClient)
			if tt.err != nil {
				mockClient.On("DescribeTable", mock.Anything, mock.Anything).Return(nil, tt.err)
			} else {
				mockClient.On("DescribeTable", mock.Anything, mock.Anything).Return(&dynamodb.DescribeTableOutput{}, nil)
			}

			err := NewDynamoDBStoreWithClient(mockClient, testTable).HealthCheck(context.Background())

			if tt.expectError {
				assert.ErrorIs(t, err, checkpoint.ErrPersistence)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDynamoDBStoreWithBook(t *testing.T) {
	mockClient := new(MockDynamoDBClient)
	mockClient.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{}, nil)
	mockClient.On("PutItem", mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)

	book := checkpoint.NewBook(NewDynamoDBStoreWithClient(mockClient, testTable))
	require.NoError(t, book.Load(context.Background()))
	require.NoError(t, book.Put(context.Background(), "review", checkpoint.NewEventTimeSlice(1000, merged)))

	assert.Equal(t, int64(1000), book.Get("review").Timestamp)
	mockClient.AssertNumberOfCalls(t, "PutItem", 1)
}
