package validator

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/xeipuuv/gojsonschema"

	"github.com/d-sense/event-playback/pkg/models"
)

//go:embed event_schema.json
var defaultSchema []byte

// ErrParse matches every record that could not be turned into an event
var ErrParse = errors.New("event parse failed")

// ParseError describes a rejected record
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

type Validator struct {
	schema *gojsonschema.Schema
}

// New creates a validator. An empty schemaPath selects the built-in
// Gerrit stream-event schema.
func New(schemaPath string) (*Validator, error) {
	schemaBytes := defaultSchema
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema file: %w", err)
		}
		schemaBytes = data
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{
		schema: schema,
	}, nil
}

// Parse validates one raw record and decodes it
func (v *Validator) Parse(raw []byte) (*models.Event, error) {
	return v.ValidateAndParseEvent(raw)
}

// ValidateAndParseEvent validates and parses event data into Event struct
func (v *Validator) ValidateAndParseEvent(eventData interface{}) (*models.Event, error) {
	var eventBytes []byte
	var err error

	switch data := eventData.(type) {
	case *types.Message:
		if data.Body == nil {
			return nil, &ParseError{Reason: "SQS message body is nil"}
		}
		eventBytes = []byte(*data.Body)
	case string:
		eventBytes = []byte(data)
	case []byte:
		eventBytes = data
	case json.RawMessage:
		eventBytes = data
	default:
		eventBytes, err = json.Marshal(eventData)
		if err != nil {
			return nil, &ParseError{Reason: "failed to marshal event data", Err: err}
		}
	}

	eventBytes = bytes.TrimSpace(eventBytes)
	if err := v.ValidateEventBytes(eventBytes); err != nil {
		return nil, err
	}

	var event models.Event
	if err := json.Unmarshal(eventBytes, &event); err != nil {
		return nil, &ParseError{Reason: "failed to unmarshal event", Err: err}
	}
	event.Raw = append(json.RawMessage(nil), eventBytes...)

	if err := v.validateBusinessRules(&event); err != nil {
		return nil, err
	}

	return &event, nil
}

// ValidateEventBytes validates event bytes against the JSON schema
func (v *Validator) ValidateEventBytes(eventBytes []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(eventBytes))
	if err != nil {
		return &ParseError{Reason: "validation error", Err: err}
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ParseError{Reason: fmt.Sprintf("validation failed: %v", problems)}
	}

	return nil
}

// validateBusinessRules checks what the schema cannot express. A missing
// eventCreatedOn is accepted here; the playback manager decides what a
// zero timestamp means.
func (v *Validator) validateBusinessRules(event *models.Event) error {
	if !models.IsValidEventType(string(event.Type)) {
		return &ParseError{Reason: fmt.Sprintf("invalid event type: %s", event.Type)}
	}

	if event.Type == models.EventTypeRefUpdated {
		if event.RefUpdate == nil {
			return &ParseError{Reason: "ref-updated event without refUpdate"}
		}
		return nil
	}

	if event.Change == nil {
		return &ParseError{Reason: fmt.Sprintf("%s event without change", event.Type)}
	}

	return nil
}
