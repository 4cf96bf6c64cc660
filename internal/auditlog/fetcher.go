package auditlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
)

// QueryTimeLayout is the format of the events-log lower bound, always UTC
const QueryTimeLayout = "2006-01-02 15:04:05"

// ErrFetch matches every failed audit-log query
var ErrFetch = errors.New("audit log fetch failed")

// FetchError describes a failed audit-log query for one server
type FetchError struct {
	Server     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch events for %s: status %d: %v", e.Server, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch events for %s: %v", e.Server, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// HTTPFetcher queries the events-log plugin of each configured server
type HTTPFetcher struct {
	servers    map[string]string
	username   string
	password   string
	plugin     string
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *logrus.Logger
}

// NewHTTPFetcher creates a fetcher for every configured Gerrit server
func NewHTTPFetcher(cfg *config.Config, httpClient *http.Client, logger *logrus.Logger) *HTTPFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second}
	}
	servers := make(map[string]string, len(cfg.GerritServers))
	for _, server := range cfg.GerritServers {
		servers[server.Name] = server.FrontEndURL
	}
	maxRetries := cfg.FetchMaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPFetcher{
		servers:    servers,
		username:   cfg.GerritHTTPUsername,
		password:   cfg.GerritHTTPPassword,
		plugin:     cfg.EventsLogPlugin,
		httpClient: httpClient,
		maxRetries: uint64(maxRetries),
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 500 * time.Millisecond
			eb.MaxInterval = 10 * time.Second
			return eb
		},
		logger: logger,
	}
}

// FetchEventsSince returns the raw records the server logged at or after
// lower, one JSON document per element. Transport errors, 429 and 5xx are
// retried with exponential backoff; any other status fails at once.
func (f *HTTPFetcher) FetchEventsSince(ctx context.Context, identity string, lower time.Time) ([][]byte, error) {
	frontEndURL := strings.TrimSpace(f.servers[identity])
	if frontEndURL == "" {
		return nil, &FetchError{Server: identity, Err: errors.New("no front end URL configured")}
	}
	queryURL := EventsURL(frontEndURL, f.plugin, lower)

	log := f.logger.WithFields(logrus.Fields{
		"server": identity,
		"since":  lower.UTC().Format(QueryTimeLayout),
	})

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		data, err := f.get(ctx, identity, queryURL)
		if err != nil {
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) && !retryable(fetchErr.StatusCode) {
				return backoff.Permanent(err)
			}
			log.WithError(err).WithField("attempt", attempt).Warn("Audit log query failed")
			return err
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), f.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		return nil, &FetchError{Server: identity, Err: err}
	}

	records := splitRecords(body)
	log.WithField("records", len(records)).Debug("Audit log query completed")
	return records, nil
}

func (f *HTTPFetcher) get(ctx context.Context, identity, queryURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, &FetchError{Server: identity, Err: err}
	}
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Server: identity, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Server: identity, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			Server:     identity,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(data))),
		}
	}
	return data, nil
}

// retryable reports whether a status is worth another attempt. Zero means
// the request never got a response.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// EventsURL builds the events-log query for everything since lower
func EventsURL(frontEndURL, plugin string, lower time.Time) string {
	if !strings.HasSuffix(frontEndURL, "/") {
		frontEndURL += "/"
	}
	query := url.Values{}
	query.Set("t1", lower.UTC().Format(QueryTimeLayout))
	return frontEndURL + "a/plugins/" + plugin + "/events/?" + query.Encode()
}

// splitRecords cuts a newline-delimited body into non-empty records
func splitRecords(body []byte) [][]byte {
	var records [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		records = append(records, append([]byte(nil), line...))
	}
	return records
}
