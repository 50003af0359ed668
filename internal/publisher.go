package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Message is a broker-neutral envelope. An empty ID gets a generated UUID.
type Message struct {
	ID       string
	Payload  []byte
	Metadata map[string]string
}

// Publisher sends job messages to every configured broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// PublisherFactory builds the watermill publisher for one driver. The close
// func, when not nil, runs after the publisher itself is closed.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
	"kafka":     buildKafkaPublisher,
	"nats":      buildNATSPublisher,
	"amqp":      buildAMQPPublisher,
	"sql":       buildSQLPublisher,
	"http":      buildHTTPPublisher,
}

// RegisterPublisherDriver adds or replaces the factory for a driver name.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

type publisherTarget struct {
	driver    string
	publisher message.Publisher
	closeFn   func() error
}

// fanoutPublisher publishes each message to every connected driver.
type fanoutPublisher struct {
	targets []publisherTarget
}

// NewPublisher connects every configured driver. A driver that cannot be
// reached is skipped as long as another one is available.
func NewPublisher(cfg WatermillConfig) (Publisher, error) {
	logger := WatermillLogger()
	drivers := Drivers(cfg.Driver, cfg.Drivers)

	out := &fanoutPublisher{}
	for _, driver := range drivers {
		factory, ok := publisherFactories[driver]
		if !ok {
			_ = out.Close()
			return nil, fmt.Errorf("unsupported watermill driver: %s", driver)
		}
		target, err := Connect("publisher "+driver, func() (publisherTarget, error) {
			pub, closeFn, err := factory(cfg, logger)
			return publisherTarget{driver: driver, publisher: pub, closeFn: closeFn}, err
		})
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		out.targets = append(out.targets, target)
	}
	if len(out.targets) == 0 {
		return nil, errors.New("no publishers available")
	}
	return out, nil
}

// WrapPublisher adapts an already built watermill publisher, such as a
// channel shared with the worker.
func WrapPublisher(driver string, pub message.Publisher) Publisher {
	return &fanoutPublisher{targets: []publisherTarget{{driver: driver, publisher: pub}}}
}

func (f *fanoutPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	if msg.ID == "" {
		msg.ID = watermill.NewUUID()
	}
	var err error
	for _, target := range f.targets {
		// each broker gets its own message; watermill messages carry ack state
		if publishErr := target.publisher.Publish(topic, msg.toWatermill(ctx)); publishErr != nil {
			IncPublishError(target.driver)
			err = errors.Join(err, fmt.Errorf("%s: %w", target.driver, publishErr))
		}
	}
	return err
}

func (f *fanoutPublisher) Close() error {
	var err error
	for _, target := range f.targets {
		err = errors.Join(err, target.publisher.Close())
		if target.closeFn != nil {
			err = errors.Join(err, target.closeFn())
		}
	}
	return err
}

func (m Message) toWatermill(ctx context.Context) *message.Message {
	out := message.NewMessage(m.ID, m.Payload)
	for key, value := range m.Metadata {
		out.Metadata.Set(key, value)
	}
	out.SetContext(ctx)
	return out
}

func buildGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(cfg.GoChannel.Config(), logger), nil, nil
}

func buildKafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, errors.New("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

func buildNATSPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if err := cfg.NATS.Validate(); err != nil {
		return nil, nil, err
	}
	pub, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		StanOptions: cfg.NATS.StanOptions(),
		Marshaler:   wmnats.GobMarshaler{},
	}, logger)
	return pub, nil, err
}

func buildAMQPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	amqpCfg, err := cfg.AMQP.Config()
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmamqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

func buildSQLPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if err := cfg.SQL.Validate(); err != nil {
		return nil, nil, err
	}
	schema, _, err := cfg.SQL.Adapters()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

// buildHTTPPublisher forwards jobs to an external consumer over HTTP.
func buildHTTPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	switch strings.ToLower(cfg.HTTP.Mode) {
	case "topic_url":
	case "base_url":
		if cfg.HTTP.BaseURL == "" {
			return nil, nil, errors.New("http base_url is required for base_url mode")
		}
	default:
		return nil, nil, fmt.Errorf("unsupported http mode: %s", cfg.HTTP.Mode)
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	return pub, nil, err
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	if strings.ToLower(cfg.Mode) == "topic_url" {
		if topic == "" {
			return "", errors.New("http topic url is empty")
		}
		return topic, nil
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return "", errors.New("http base_url is empty")
	}
	if topic == "" {
		return base, nil
	}
	return base + "/" + strings.TrimLeft(topic, "/"), nil
}
