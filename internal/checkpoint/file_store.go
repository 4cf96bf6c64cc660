package checkpoint

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/xeipuuv/gojsonschema"

	"github.com/d-sense/event-playback/pkg/models"
)

//go:embed checkpoint_schema.json
var documentSchema []byte

// DefaultFileName is used when only a directory is configured
const DefaultFileName = "missed-events-checkpoints.json"

// FileStore keeps the checkpoint mapping in a JSON document on local disk
type FileStore struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	schema      *gojsonschema.Schema
}

// NewFileStore creates a file-backed store at path
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("checkpoint file path is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile checkpoint schema: %w", err)
	}
	return &FileStore{
		path:        filepath.Clean(path),
		lock:        flock.New(filepath.Clean(path) + ".lock"),
		lockTimeout: 5 * time.Second,
		schema:      schema,
	}, nil
}

// Path returns the checkpoint file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint document. A missing file yields an empty mapping.
func (s *FileStore) Load(ctx context.Context) (map[string]EventTimeSlice, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]EventTimeSlice{}, nil
		}
		return nil, &PersistenceError{Op: "load", Location: s.path, Err: err}
	}
	slices, err := s.decode(data)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Location: s.path, Err: err}
	}
	return slices, nil
}

func (s *FileStore) decode(data []byte) (map[string]EventTimeSlice, error) {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed document: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("invalid document: %s", strings.Join(problems, "; "))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return recordsToSlices(doc.Checkpoints)
}

// Save writes the full mapping through a temp file and rename, holding
// the sibling lock file so concurrent processes do not interleave.
func (s *FileStore) Save(ctx context.Context, slices map[string]EventTimeSlice) error {
	data, err := json.MarshalIndent(Document{
		Version:     documentVersion,
		Checkpoints: slicesToRecords(slices),
	}, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Location: s.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Op: "save", Location: s.path, Err: err}
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 10*time.Millisecond)
	if !locked {
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", s.lock.Path())
		}
		return &PersistenceError{Op: "save", Location: s.path, Err: err}
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return &PersistenceError{Op: "save", Location: s.path, Err: err}
	}
	return nil
}

// HealthCheck verifies the checkpoint directory is usable
func (s *FileStore) HealthCheck(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// created on first save
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func recordsToSlices(records []Record) (map[string]EventTimeSlice, error) {
	slices := make(map[string]EventTimeSlice, len(records))
	for _, record := range records {
		if _, exists := slices[record.Identity]; exists {
			return nil, fmt.Errorf("duplicate checkpoint for %q", record.Identity)
		}
		slices[record.Identity] = *NewEventTimeSlice(record.Timestamp, record.Events...)
	}
	return slices, nil
}

func slicesToRecords(slices map[string]EventTimeSlice) []Record {
	identities := make([]string, 0, len(slices))
	for identity := range slices {
		identities = append(identities, identity)
	}
	sort.Strings(identities)

	records := make([]Record, 0, len(identities))
	for _, identity := range identities {
		slice := slices[identity]
		events := slice.Events
		if events == nil {
			events = []models.EventKey{}
		}
		records = append(records, Record{
			Identity:       identity,
			EventTimeSlice: EventTimeSlice{Timestamp: slice.Timestamp, Events: events},
		})
	}
	return records
}
