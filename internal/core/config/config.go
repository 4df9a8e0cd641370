package config

import (
	"time"

	"github.com/vietddude/retrier/internal/delivery"
	natsstore "github.com/vietddude/retrier/internal/infra/nats"
	redisclient "github.com/vietddude/retrier/internal/infra/redis"
	"github.com/vietddude/retrier/internal/infra/storage/postgres"
	"github.com/vietddude/retrier/internal/retry/backoff"
	"github.com/vietddude/retrier/internal/retry/policy"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNATS     = "nats"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Store      StoreConfig        `yaml:"store"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	NATS       natsstore.Config   `yaml:"nats"`
	Logging    LoggingConfig      `yaml:"logging"`
	Retry      policy.Config      `yaml:"retry"`
	BackOff    backoff.Config     `yaml:"backoff"`
	Worker     WorkerConfig       `yaml:"worker"`
	Operations []OperationConfig  `yaml:"operations"`
}

// ServerConfig holds HTTP and gRPC health server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// StoreConfig selects where pending operations live.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, redis, nats
	Codec  string `yaml:"codec"`  // json, msgpack
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// WorkerConfig holds consumer settings.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	DeadLetter     bool          `yaml:"dead_letter"`
	ReportInterval time.Duration `yaml:"report_interval"` // 0 = disabled
}

// OperationConfig binds an operation id to a webhook endpoint.
type OperationConfig struct {
	ID                string `yaml:"id"`
	delivery.Endpoint `yaml:",inline"`
}

// OperationIDs returns the configured operation ids in file order.
func (c *AppConfig) OperationIDs() []string {
	ids := make([]string, len(c.Operations))
	for i, op := range c.Operations {
		ids[i] = op.ID
	}
	return ids
}

// Endpoints returns the delivery endpoints keyed by operation id.
func (c *AppConfig) Endpoints() map[string]delivery.Endpoint {
	eps := make(map[string]delivery.Endpoint, len(c.Operations))
	for _, op := range c.Operations {
		eps[op.ID] = op.Endpoint
	}
	return eps
}
