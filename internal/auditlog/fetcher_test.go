package auditlog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-sense/event-playback/internal/config"
	"github.com/d-sense/event-playback/pkg/logger"
)

var since = time.Date(2014, 11, 13, 19, 22, 55, 0, time.UTC)

func newTestFetcher(t *testing.T, server *httptest.Server, maxRetries int) *HTTPFetcher {
	t.Helper()
	cfg := &config.Config{
		GerritServers:       []config.ServerConfig{{Name: "primary", FrontEndURL: server.URL}},
		GerritHTTPUsername:  "jenkins",
		GerritHTTPPassword:  "secret",
		EventsLogPlugin:     "events-log",
		FetchTimeoutSeconds: 5,
		FetchMaxRetries:     maxRetries,
	}
	fetcher := NewHTTPFetcher(cfg, server.Client(), logger.Discard())
	fetcher.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return fetcher
}

func TestFetchEventsSince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/a/plugins/events-log/events/", r.URL.Path)
		assert.Equal(t, "2014-11-13 19:22:55", r.URL.Query().Get("t1"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "jenkins", user)
		assert.Equal(t, "secret", pass)

		_, _ = w.Write([]byte("{\"type\":\"patchset-created\",\"eventCreatedOn\":1415906575}\n\n  \n{\"type\":\"change-merged\",\"eventCreatedOn\":1415906576}\n"))
	}))
	defer server.Close()

	fetcher := newTestFetcher(t, server, 3)
	records, err := fetcher.FetchEventsSince(context.Background(), "primary", since.In(time.FixedZone("CET", 3600)))

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"type":"patchset-created","eventCreatedOn":1415906575}`, string(records[0]))
	assert.JSONEq(t, `{"type":"change-merged","eventCreatedOn":1415906576}`, string(records[1]))
}

func TestFetchEventsSinceEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	records, err := newTestFetcher(t, server, 3).FetchEventsSince(context.Background(), "primary", since)

	require.NoError(t, err)
	assert.Empty(t, records)
}

type retryTestCase struct {
	name          string
	statuses      []int
	maxRetries    int
	expectError   bool
	expectedCalls int32
	description   string
}

func TestFetchEventsSinceRetries(t *testing.T) {
	tests := []retryTestCase{
		{
			name:          "Recovers After Server Errors",
			statuses:      []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK},
			maxRetries:    3,
			expectError:   false,
			expectedCalls: 3,
			description:   "Should retry 5xx responses until one succeeds",
		},
		{
			name:          "Retries Rate Limit",
			statuses:      []int{http.StatusTooManyRequests, http.StatusOK},
			maxRetries:    3,
			expectError:   false,
			expectedCalls: 2,
			description:   "Should retry 429 responses",
		},
		{
			name:          "Gives Up After Max Retries",
			statuses:      []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError},
			maxRetries:    2,
			expectError:   true,
			expectedCalls: 3,
			description:   "Should stop after the configured number of retries",
		},
		{
			name:          "Not Found Is Permanent",
			statuses:      []int{http.StatusNotFound, http.StatusOK},
			maxRetries:    3,
			expectError:   true,
			expectedCalls: 1,
			description:   "Should not retry a missing plugin",
		},
		{
			name:          "Unauthorized Is Permanent",
			statuses:      []int{http.StatusUnauthorized, http.StatusOK},
			maxRetries:    3,
			expectError:   true,
			expectedCalls: 1,
			description:   "Should not retry bad credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(`{"type":"patchset-created","eventCreatedOn":1}`))
				}
			}))
			defer server.Close()

			records, err := newTestFetcher(t, server, tt.maxRetries).FetchEventsSince(context.Background(), "primary", since)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.True(t, errors.Is(err, ErrFetch))
				var fetchErr *FetchError
				require.True(t, errors.As(err, &fetchErr))
				assert.Equal(t, "primary", fetchErr.Server)
				assert.NotZero(t, fetchErr.StatusCode)
			} else {
				assert.NoError(t, err, tt.description)
				assert.Len(t, records, 1)
			}
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestFetchEventsSinceUnknownServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := newTestFetcher(t, server, 0).FetchEventsSince(context.Background(), "unknown", since)

	assert.ErrorIs(t, err, ErrFetch)
	assert.Contains(t, err.Error(), "no front end URL")
}

func TestFetchEventsSinceUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	fetcher := newTestFetcher(t, server, 1)
	server.Close()

	_, err := fetcher.FetchEventsSince(context.Background(), "primary", since)

	assert.ErrorIs(t, err, ErrFetch)
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t,
		"https://review.example.com/a/plugins/events-log/events/?t1=2014-11-13+19%3A22%3A55",
		EventsURL("https://review.example.com", "events-log", since))
	assert.Equal(t,
		"https://review.example.com/r/a/plugins/events-log/events/?t1=2014-11-13+19%3A22%3A55",
		EventsURL("https://review.example.com/r/", "events-log", since))
}
