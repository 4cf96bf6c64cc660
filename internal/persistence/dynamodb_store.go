package persistence

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/internal/config"
	pkgaws "github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/models"
)

const (
	attrIdentity  = "identity"
	attrTimestamp = "timestamp"
	attrEvents    = "events"
	attrChangeID  = "changeId"
	attrPatchSet  = "patchSet"
	attrType      = "type"
)

// DynamoDBClient defines the interface for DynamoDB operations
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoDBStore keeps one item per connection identity. Save writes only
// the items that changed since the last successful save.
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string

	mu    sync.Mutex
	saved map[string]checkpoint.EventTimeSlice
}

// NewDynamoDBStore creates a checkpoint store on the configured table
func NewDynamoDBStore(awsCfg aws.Config, cfg *config.Config) *DynamoDBStore {
	return NewDynamoDBStoreWithClient(pkgaws.NewDynamoDBClient(awsCfg, cfg), cfg.DynamoDBTableName)
}

// NewDynamoDBStoreWithClient creates a checkpoint store on an existing client
func NewDynamoDBStoreWithClient(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		saved:     make(map[string]checkpoint.EventTimeSlice),
	}
}

func (s *DynamoDBStore) location() string {
	return "dynamodb://" + s.tableName
}

func (s *DynamoDBStore) fail(op string, err error) error {
	return &checkpoint.PersistenceError{Op: op, Location: s.location(), Err: err}
}

// Load scans the whole table
func (s *DynamoDBStore) Load(ctx context.Context) (map[string]checkpoint.EventTimeSlice, error) {
	slices := make(map[string]checkpoint.EventTimeSlice)

	var startKey map[string]types.AttributeValue
	for {
		result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, s.fail("load", fmt.Errorf("failed to scan table: %w", err))
		}

		for _, item := range result.Items {
			identity, slice, err := unmarshalSlice(item)
			if err != nil {
				return nil, s.fail("load", err)
			}
			slices[identity] = slice
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}

	s.mu.Lock()
	s.saved = cloneSlices(slices)
	s.mu.Unlock()

	return slices, nil
}

// Save writes changed identities and deletes the ones that disappeared
func (s *DynamoDBStore) Save(ctx context.Context, slices map[string]checkpoint.EventTimeSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for identity, slice := range slices {
		if previous, ok := s.saved[identity]; ok && reflect.DeepEqual(previous, slice) {
			continue
		}

		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      marshalSlice(identity, slice),
		})
		if err != nil {
			return s.fail("save", fmt.Errorf("failed to put checkpoint of %s: %w", identity, err))
		}
		s.saved[identity] = cloneSlice(slice)
	}

	for identity := range s.saved {
		if _, ok := slices[identity]; ok {
			continue
		}

		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				attrIdentity: &types.AttributeValueMemberS{Value: identity},
			},
		})
		if err != nil {
			return s.fail("save", fmt.Errorf("failed to delete checkpoint of %s: %w", identity, err))
		}
		delete(s.saved, identity)
	}

	return nil
}

// HealthCheck checks that the table is reachable
func (s *DynamoDBStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return s.fail("health check", err)
	}
	return nil
}

func marshalSlice(identity string, slice checkpoint.EventTimeSlice) map[string]types.AttributeValue {
	events := make([]types.AttributeValue, 0, len(slice.Events))
	for _, key := range slice.Events {
		events = append(events, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			attrChangeID: &types.AttributeValueMemberS{Value: key.ChangeID},
			attrPatchSet: &types.AttributeValueMemberS{Value: key.PatchSet},
			attrType:     &types.AttributeValueMemberS{Value: key.Type},
		}})
	}

	return map[string]types.AttributeValue{
		attrIdentity:  &types.AttributeValueMemberS{Value: identity},
		attrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(slice.Timestamp, 10)},
		attrEvents:    &types.AttributeValueMemberL{Value: events},
	}
}

func unmarshalSlice(item map[string]types.AttributeValue) (string, checkpoint.EventTimeSlice, error) {
	var slice checkpoint.EventTimeSlice

	identity, ok := item[attrIdentity].(*types.AttributeValueMemberS)
	if !ok || identity.Value == "" {
		return "", slice, fmt.Errorf("item without identity")
	}

	ts, ok := item[attrTimestamp].(*types.AttributeValueMemberN)
	if !ok {
		return "", slice, fmt.Errorf("checkpoint of %s has no timestamp", identity.Value)
	}
	timestamp, err := strconv.ParseInt(ts.Value, 10, 64)
	if err != nil || timestamp < 0 {
		return "", slice, fmt.Errorf("checkpoint of %s has invalid timestamp %q", identity.Value, ts.Value)
	}
	slice.Timestamp = timestamp
	slice.Events = []models.EventKey{}

	list, ok := item[attrEvents].(*types.AttributeValueMemberL)
	if !ok {
		return identity.Value, slice, nil
	}
	for _, value := range list.Value {
		entry, ok := value.(*types.AttributeValueMemberM)
		if !ok {
			return "", slice, fmt.Errorf("checkpoint of %s has a malformed event", identity.Value)
		}
		slice.Events = append(slice.Events, models.EventKey{
			ChangeID: stringAttr(entry.Value, attrChangeID),
			PatchSet: stringAttr(entry.Value, attrPatchSet),
			Type:     stringAttr(entry.Value, attrType),
		})
	}

	return identity.Value, slice, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func cloneSlice(slice checkpoint.EventTimeSlice) checkpoint.EventTimeSlice {
	return *slice.Clone()
}

func cloneSlices(slices map[string]checkpoint.EventTimeSlice) map[string]checkpoint.EventTimeSlice {
	out := make(map[string]checkpoint.EventTimeSlice, len(slices))
	for identity, slice := range slices {
		out[identity] = cloneSlice(slice)
	}
	return out
}
