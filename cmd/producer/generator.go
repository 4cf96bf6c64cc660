package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/d-sense/event-playback/internal/consumer"
	"github.com/d-sense/event-playback/pkg/models"
)

var projects = []string{"platform/build", "platform/frameworks", "tools/repo", "infra/config"}

var changeEventTypes = []models.EventType{
	models.EventTypePatchsetCreated,
	models.EventTypeCommentAdded,
	models.EventTypeReviewerAdded,
	models.EventTypeChangeMerged,
	models.EventTypeChangeAbandoned,
	models.EventTypeTopicChanged,
}

// generator produces plausible Gerrit stream events
type generator struct {
	servers []string
	now     func() time.Time
	rand    *rand.Rand
	changes int
}

func newGenerator(servers []string, now func() time.Time) *generator {
	return &generator{
		servers: servers,
		now:     now,
		rand:    rand.New(rand.NewSource(now().UnixNano())),
		changes: 1000,
	}
}

// next returns the server and body of one event
func (g *generator) next() (string, []byte, error) {
	server := g.servers[g.rand.Intn(len(g.servers))]
	project := projects[g.rand.Intn(len(projects))]

	event := models.Event{
		EventCreatedOn: g.now().Unix(),
		Provider:       &models.Provider{Name: server},
	}

	if g.rand.Intn(10) == 0 {
		event.Type = models.EventTypeRefUpdated
		event.RefUpdate = &models.RefUpdate{
			Project: project,
			RefName: fmt.Sprintf("refs/heads/release-%d", g.rand.Intn(5)),
			OldRev:  revision(g.rand),
			NewRev:  revision(g.rand),
		}
	} else {
		g.changes++
		event.Type = changeEventTypes[g.rand.Intn(len(changeEventTypes))]
		event.Change = &models.Change{
			Project: project,
			Branch:  "main",
			ID:      "I" + uuid.NewString(),
			Number:  models.FlexInt(g.changes),
			Subject: fmt.Sprintf("Change %d", g.changes),
		}
		event.PatchSet = &models.PatchSet{
			Number:   models.FlexInt(1 + g.rand.Intn(4)),
			Revision: revision(g.rand),
		}
	}

	body, err := json.Marshal(event)
	return server, body, err
}

func revision(r *rand.Rand) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 40)
	for i := range b {
		b[i] = hex[r.Intn(len(hex))]
	}
	return string(b)
}

type connectionChange struct {
	server string
	state  string
}

// outagePlan takes one server down every `every` events for `length` events
type outagePlan struct {
	every  int
	length int
	seen   int
	down   string
	left   int
}

func newOutagePlan(every, length int) *outagePlan {
	return &outagePlan{every: every, length: length}
}

// step advances the plan by one event of server and returns the
// connection changes to announce before it
func (p *outagePlan) step(server string) []connectionChange {
	if p.every <= 0 || p.length <= 0 {
		return nil
	}

	var changes []connectionChange
	if p.down != "" {
		p.left--
		if p.left < 0 {
			changes = append(changes, connectionChange{server: p.down, state: consumer.ConnectionEstablished})
			p.down = ""
		}
	}

	p.seen++
	if p.down == "" && p.seen%p.every == 0 {
		p.down = server
		p.left = p.length - 1
		changes = append(changes, connectionChange{server: server, state: consumer.ConnectionDown})
	}
	return changes
}

func (p *outagePlan) isDown(server string) bool {
	return p.down != "" && p.down == server
}
