package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d-sense/event-playback/internal/config"
)

// HTTPProber checks that the events-log plugin answers on the server's
// REST API
type HTTPProber struct {
	servers    map[string]string
	username   string
	password   string
	plugin     string
	useRestAPI bool
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPProber creates a prober for every configured Gerrit server
func NewHTTPProber(cfg *config.Config, httpClient *http.Client, logger *logrus.Logger) *HTTPProber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second}
	}
	servers := make(map[string]string, len(cfg.GerritServers))
	for _, server := range cfg.GerritServers {
		servers[server.Name] = server.FrontEndURL
	}
	return &HTTPProber{
		servers:    servers,
		username:   cfg.GerritHTTPUsername,
		password:   cfg.GerritHTTPPassword,
		plugin:     cfg.EventsLogPlugin,
		useRestAPI: cfg.GerritUseRestAPI,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ProbeCapability reports true only for a 200 from the plugin endpoint.
// Every other outcome is logged and reported as unsupported.
func (p *HTTPProber) ProbeCapability(ctx context.Context, identity string) (bool, error) {
	log := p.logger.WithFields(logrus.Fields{
		"server": identity,
		"plugin": p.plugin,
	})

	if !p.useRestAPI {
		log.Info("REST API is not enabled, cannot verify that the plugin is installed")
		return false, nil
	}

	frontEndURL := strings.TrimSpace(p.servers[identity])
	if frontEndURL == "" {
		log.Warn("No front end URL configured, cannot verify that the plugin is installed")
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, PluginURL(frontEndURL, p.plugin), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build capability request: %w", err)
	}
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("Not able to verify that the plugin is installed")
		return false, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		log.Info("Plugin is installed")
		return true, nil
	case http.StatusUnauthorized:
		log.Warn("Not able to verify that the plugin is installed: unauthorized")
	default:
		log.WithField("status", resp.StatusCode).Warn("Not able to verify that the plugin is installed")
	}
	return false, nil
}

// PluginURL returns the authenticated REST location of plugin
func PluginURL(frontEndURL, plugin string) string {
	if !strings.HasSuffix(frontEndURL, "/") {
		frontEndURL += "/"
	}
	return frontEndURL + "a/plugins/" + plugin + "/"
}
