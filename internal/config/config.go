package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	CheckpointBackendFile     = "file"
	CheckpointBackendDynamoDB = "dynamodb"

	SinkLog = "log"
	SinkSQS = "sqs"
)

// ServerConfig names one upstream Gerrit connection
type ServerConfig struct {
	Name        string
	FrontEndURL string
}

type Config struct {
	// AWS Configuration
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpointURL     string

	// SQS Configuration
	SQSQueueURL       string
	SQSDLQUrl         string
	SQSStreamQueueURL string

	// DynamoDB Configuration
	DynamoDBTableName string

	// Gerrit Configuration
	GerritServers       []ServerConfig
	GerritHTTPUsername  string
	GerritHTTPPassword  string
	GerritUseRestAPI    bool
	EventsLogPlugin     string
	FetchTimeoutSeconds int
	FetchMaxRetries     int

	// Checkpoint Configuration
	CheckpointBackend string
	CheckpointFile    string

	// Service Configuration
	ServicePort string
	LogLevel    string
	SchemaPath  string
	Sink        string
}

func Load() *Config {
	return &Config{
		// AWS Configuration
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", "test"),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", "test"),
		AWSEndpointURL:     getEnv("AWS_ENDPOINT_URL", "http://localhost:4566"),

		// SQS Configuration
		SQSQueueURL:       getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/gerrit-events"),
		SQSDLQUrl:         getEnv("SQS_DLQ_URL", "http://localhost:4566/000000000000/gerrit-events-dlq"),
		SQSStreamQueueURL: getEnv("SQS_STREAM_QUEUE_URL", ""),

		// DynamoDB Configuration
		DynamoDBTableName: getEnv("DYNAMODB_TABLE_NAME", "gerrit-checkpoints"),

		// Gerrit Configuration
		GerritServers:       parseServers(getEnv("GERRIT_SERVERS", "")),
		GerritHTTPUsername:  getEnv("GERRIT_HTTP_USERNAME", ""),
		GerritHTTPPassword:  getEnv("GERRIT_HTTP_PASSWORD", ""),
		GerritUseRestAPI:    getEnvAsBool("GERRIT_USE_REST_API", true),
		EventsLogPlugin:     getEnv("EVENTS_LOG_PLUGIN", "events-log"),
		FetchTimeoutSeconds: getEnvAsInt("FETCH_TIMEOUT_SECONDS", 30),
		FetchMaxRetries:     getEnvAsInt("FETCH_MAX_RETRIES", 3),

		// Checkpoint Configuration
		CheckpointBackend: strings.ToLower(getEnv("CHECKPOINT_BACKEND", CheckpointBackendFile)),
		CheckpointFile:    getEnv("CHECKPOINT_FILE", "./data/missed-events-checkpoints.json"),

		// Service Configuration
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SchemaPath:  getEnv("SCHEMA_PATH", ""),
		Sink:        strings.ToLower(getEnv("SINK", SinkLog)),
	}
}

// Validate reports configuration that cannot be started
func (c *Config) Validate() error {
	switch c.CheckpointBackend {
	case CheckpointBackendFile:
		if strings.TrimSpace(c.CheckpointFile) == "" {
			return fmt.Errorf("CHECKPOINT_FILE is required for the file backend")
		}
	case CheckpointBackendDynamoDB:
		if strings.TrimSpace(c.DynamoDBTableName) == "" {
			return fmt.Errorf("DYNAMODB_TABLE_NAME is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
	}

	switch c.Sink {
	case SinkLog:
	case SinkSQS:
		if strings.TrimSpace(c.SQSQueueURL) == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for the sqs sink")
		}
	default:
		return fmt.Errorf("unknown sink %q", c.Sink)
	}

	seen := make(map[string]bool, len(c.GerritServers))
	for _, server := range c.GerritServers {
		if server.Name == "" {
			return fmt.Errorf("gerrit server with empty name")
		}
		if seen[server.Name] {
			return fmt.Errorf("gerrit server %q configured twice", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

// parseServers reads "name=url,name=url"; a bare url names itself
func parseServers(value string) []ServerConfig {
	var servers []ServerConfig
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, found := strings.Cut(part, "=")
		if !found {
			url = name
		}
		servers = append(servers, ServerConfig{
			Name:        strings.TrimSpace(name),
			FrontEndURL: strings.TrimSpace(url),
		})
	}
	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
