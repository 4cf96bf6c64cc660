package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EventType represents the Gerrit stream-event type
type EventType string

const (
	EventTypePatchsetCreated     EventType = "patchset-created"
	EventTypeChangeMerged        EventType = "change-merged"
	EventTypeChangeAbandoned     EventType = "change-abandoned"
	EventTypeChangeRestored      EventType = "change-restored"
	EventTypeCommentAdded        EventType = "comment-added"
	EventTypeDraftPublished      EventType = "draft-published"
	EventTypeRefUpdated          EventType = "ref-updated"
	EventTypeReviewerAdded       EventType = "reviewer-added"
	EventTypeTopicChanged        EventType = "topic-changed"
	EventTypeWipStateChanged     EventType = "wip-state-changed"
	EventTypePrivateStateChanged EventType = "private-state-changed"
)

// Origin tells downstream consumers which path delivered an event
type Origin string

const (
	OriginLive     Origin = "live"
	OriginPlayback Origin = "playback"
)

// Account identifies a Gerrit user
type Account struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// Change is the change attribute of change based events
type Change struct {
	Project string   `json:"project"`
	Branch  string   `json:"branch,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	ID      string   `json:"id,omitempty"`
	Number  FlexInt  `json:"number"`
	Subject string   `json:"subject,omitempty"`
	Owner   *Account `json:"owner,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// PatchSet is the patchSet attribute of change based events
type PatchSet struct {
	Number   FlexInt  `json:"number"`
	Revision string   `json:"revision,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	Uploader *Account `json:"uploader,omitempty"`
}

// RefUpdate is the refUpdate attribute of ref-updated events
type RefUpdate struct {
	Project string `json:"project"`
	RefName string `json:"refName"`
	OldRev  string `json:"oldRev,omitempty"`
	NewRev  string `json:"newRev,omitempty"`
}

// Provider describes the server that emitted the event
type Provider struct {
	Name    string `json:"name,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    string `json:"port,omitempty"`
	Proto   string `json:"proto,omitempty"`
	Version string `json:"version,omitempty"`
}

// Event represents a single Gerrit stream event
type Event struct {
	Type           EventType  `json:"type"`
	EventCreatedOn int64      `json:"eventCreatedOn,omitempty"`
	Change         *Change    `json:"change,omitempty"`
	PatchSet       *PatchSet  `json:"patchSet,omitempty"`
	RefUpdate      *RefUpdate `json:"refUpdate,omitempty"`
	Provider       *Provider  `json:"provider,omitempty"`

	// Raw holds the document the event was decoded from, so sinks can
	// forward it unchanged.
	Raw json.RawMessage `json:"-"`
}

// Timestamp returns the upstream creation time in epoch milliseconds.
// Gerrit reports seconds; zero means the server did not report it.
func (e *Event) Timestamp() int64 {
	return e.EventCreatedOn * 1000
}

// Key returns the identity used to recognize the same event on the live
// stream and in audit-log results.
func (e *Event) Key() EventKey {
	key := EventKey{Type: string(e.Type)}
	switch {
	case e.Change != nil:
		key.ChangeID = e.Change.ID
		if key.ChangeID == "" {
			key.ChangeID = fmt.Sprintf("%s~%d", e.Change.Project, e.Change.Number)
		}
		if e.PatchSet != nil {
			key.PatchSet = strconv.Itoa(int(e.PatchSet.Number))
		}
	case e.RefUpdate != nil:
		key.ChangeID = e.RefUpdate.Project + ":" + e.RefUpdate.RefName
		key.PatchSet = e.RefUpdate.NewRev
	}
	return key
}

// Body returns the bytes to forward downstream
func (e *Event) Body() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(e)
}

// EventKey identifies an event across transports
type EventKey struct {
	ChangeID string `json:"changeId"`
	PatchSet string `json:"patchSet"`
	Type     string `json:"type"`
}

func (k EventKey) String() string {
	return k.Type + "/" + k.ChangeID + "/" + k.PatchSet
}

// IsValidEventType checks if the event type is one Gerrit emits
func IsValidEventType(eventType string) bool {
	switch EventType(eventType) {
	case EventTypePatchsetCreated, EventTypeChangeMerged, EventTypeChangeAbandoned,
		EventTypeChangeRestored, EventTypeCommentAdded, EventTypeDraftPublished,
		EventTypeRefUpdated, EventTypeReviewerAdded, EventTypeTopicChanged,
		EventTypeWipStateChanged, EventTypePrivateStateChanged:
		return true
	default:
		return false
	}
}

// FlexInt decodes numbers that older Gerrit versions send as strings
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}
