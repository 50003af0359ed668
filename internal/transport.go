package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

const defaultDriver = "gochannel"

// Broker connections are retried at startup; tests shorten the delay.
var (
	connectAttempts = 10
	connectDelay    = 2 * time.Second
)

var transportLogger = NewLogger("transport")

// WatermillLogger is the adapter handed to every watermill component.
func WatermillLogger() watermill.LoggerAdapter {
	return watermill.NewStdLogger(false, false)
}

// Drivers merges the single driver and the driver list into a lowercase,
// de-duplicated list. Nothing configured means gochannel.
func Drivers(driver string, drivers []string) []string {
	seen := make(map[string]struct{}, len(drivers)+1)
	out := make([]string, 0, len(drivers)+1)
	for _, name := range append([]string{driver}, drivers...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		out = append(out, defaultDriver)
	}
	return out
}

// Connect retries build while a broker is still starting.
func Connect[T any](target string, build func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		value, err := build()
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < connectAttempts {
			transportLogger.Printf("connect failed target=%s attempt=%d/%d: %v", target, attempt, connectAttempts, err)
			time.Sleep(connectDelay)
		}
	}
	return zero, fmt.Errorf("connect %s: %w", target, lastErr)
}

// Config converts the settings for gochannel.NewGoChannel.
func (c GoChannelConfig) Config() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            c.OutputChannelBuffer,
		Persistent:                     c.Persistent,
		BlockPublishUntilSubscriberAck: c.BlockPublishUntilSubscriberAck,
	}
}

// NewSharedGoChannel builds the channel the server and worker share in a
// single process. It is always persistent: deliveries published before the
// worker subscribes are replayed to it instead of being dropped.
func NewSharedGoChannel(cfg GoChannelConfig) *gochannel.GoChannel {
	cfg.Persistent = true
	return gochannel.NewGoChannel(cfg.Config(), WatermillLogger())
}

// CheckProcessMode rejects the in-process gochannel transport when the server
// and worker run as separate processes, where each side would get a private
// channel and no delivery would ever reach a worker.
func (c WatermillConfig) CheckProcessMode(singleProcess bool) error {
	if singleProcess {
		return nil
	}
	for _, driver := range Drivers(c.Driver, c.Drivers) {
		if driver == defaultDriver {
			return fmt.Errorf("gochannel transport requires -mode=all")
		}
	}
	return nil
}

// Config maps the queue mode onto watermill's amqp presets.
func (c AMQPConfig) Config() (wmamqp.Config, error) {
	if c.URL == "" {
		return wmamqp.Config{}, fmt.Errorf("amqp url is required")
	}
	switch strings.ToLower(c.Mode) {
	case "", "durable_queue":
		return wmamqp.NewDurableQueueConfig(c.URL), nil
	case "nondurable_queue":
		return wmamqp.NewNonDurableQueueConfig(c.URL), nil
	case "durable_pubsub":
		return wmamqp.NewDurablePubSubConfig(c.URL, nil), nil
	case "nondurable_pubsub":
		return wmamqp.NewNonDurablePubSubConfig(c.URL, nil), nil
	default:
		return wmamqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", c.Mode)
	}
}

// Adapters returns the schema and offsets adapters for the sql dialect.
func (c SQLConfig) Adapters() (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(c.Dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", c.Dialect)
	}
}

// Validate reports missing connection settings for the sql transport.
func (c SQLConfig) Validate() error {
	if c.Driver == "" || c.DSN == "" {
		return fmt.Errorf("sql driver and dsn are required")
	}
	return nil
}

// StanOptions returns the NATS streaming connection options.
func (c NATSConfig) StanOptions() []stan.Option {
	if c.URL == "" {
		return nil
	}
	return []stan.Option{stan.NatsURL(c.URL)}
}

// Validate reports missing cluster or client ids.
func (c NATSConfig) Validate() error {
	if c.ClusterID == "" || c.ClientID == "" {
		return fmt.Errorf("nats cluster_id and client_id are required")
	}
	return nil
}
