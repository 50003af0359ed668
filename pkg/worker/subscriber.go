package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"shipnotes/internal"
)

// MetadataDriver names the broker a merged message arrived on.
const MetadataDriver = "driver"

// SubscriberFactory builds the consumer for one watermill driver.
type SubscriberFactory func(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error)

var subscriberFactories = map[string]SubscriberFactory{
	"gochannel": func(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return gochannel.NewGoChannel(cfg.GoChannel.Config(), logger), nil
	},
	"amqp": func(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		amqpCfg, err := cfg.AMQP.Config()
		if err != nil {
			return nil, err
		}
		return wmamqp.NewSubscriber(amqpCfg, logger)
	},
	"nats": func(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		if err := cfg.NATS.Validate(); err != nil {
			return nil, err
		}
		// the publisher holds ClientID on the same cluster
		return wmnats.NewStreamingSubscriber(wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    cfg.NATS.ClientID + cfg.NATS.ClientIDSuffix,
			DurableName: cfg.NATS.Durable,
			StanOptions: cfg.NATS.StanOptions(),
			Unmarshaler: wmnats.GobMarshaler{},
		}, logger)
	},
	"kafka": func(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, nil, wmkafka.DefaultMarshaler{}, logger)
	},
	"sql": buildSQLSubscriber,
}

// RegisterSubscriberDriver adds or replaces the factory for a driver name.
func RegisterSubscriberDriver(name string, factory SubscriberFactory) {
	if name == "" || factory == nil {
		return
	}
	subscriberFactories[strings.ToLower(name)] = factory
}

// NewFromConfig builds a worker consuming the queue.watermill drivers.
func NewFromConfig(cfg internal.WatermillConfig, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(cfg)
	if err != nil {
		return nil, err
	}
	return New(append(opts, WithSubscriber(sub))...), nil
}

// BuildSubscriber connects every configured driver. With more than one
// driver, unsupported or unreachable ones are skipped and the rest are
// merged into a single stream.
func BuildSubscriber(cfg internal.WatermillConfig) (message.Subscriber, error) {
	logger := internal.WatermillLogger()
	drivers := internal.Drivers(cfg.Driver, cfg.Drivers)

	subs := make([]namedSubscriber, 0, len(drivers))
	for _, driver := range drivers {
		factory, ok := subscriberFactories[driver]
		if !ok {
			if len(drivers) == 1 {
				return nil, fmt.Errorf("unsupported subscriber driver: %s", driver)
			}
			logger.Info("skipping unsupported subscriber driver", watermill.LogFields{"driver": driver})
			continue
		}
		sub, err := internal.Connect("subscriber "+driver, func() (message.Subscriber, error) {
			return factory(cfg, logger)
		})
		if err != nil {
			if len(drivers) == 1 {
				return nil, err
			}
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		subs = append(subs, namedSubscriber{driver: driver, sub: sub})
	}

	switch len(subs) {
	case 0:
		return nil, errors.New("no supported subscriber drivers configured")
	case 1:
		return subs[0].sub, nil
	}
	return &mergedSubscriber{subscribers: subs, bufferSize: cfg.GoChannel.OutputChannelBuffer}, nil
}

func buildSQLSubscriber(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if err := cfg.SQL.Validate(); err != nil {
		return nil, err
	}
	schema, offsets, err := cfg.SQL.Adapters()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
		ConsumerGroup:    cfg.SQL.ConsumerGroup,
		SchemaAdapter:    schema,
		OffsetsAdapter:   offsets,
		InitializeSchema: cfg.SQL.InitializeSchema || cfg.SQL.AutoInitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &dbSubscriber{Subscriber: sub, db: db}, nil
}

// dbSubscriber closes the connection it was opened with.
type dbSubscriber struct {
	message.Subscriber
	db *sql.DB
}

func (s *dbSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.db.Close())
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

// mergedSubscriber fans several brokers into one channel and tags each
// message with the driver it came from.
type mergedSubscriber struct {
	subscribers []namedSubscriber
	bufferSize  int64
}

func (m *mergedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	buffer := m.bufferSize
	if buffer <= 0 {
		buffer = 64
	}
	streams := make([]<-chan *message.Message, 0, len(m.subscribers))
	for _, entry := range m.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", entry.driver, err)
		}
		streams = append(streams, ch)
	}

	out := make(chan *message.Message, buffer)
	var wg sync.WaitGroup
	for i, ch := range streams {
		wg.Add(1)
		go func(driver string, ch <-chan *message.Message) {
			defer wg.Done()
			for msg := range ch {
				if msg.Metadata == nil {
					msg.Metadata = message.Metadata{}
				}
				msg.Metadata.Set(MetadataDriver, driver)
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(m.subscribers[i].driver, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (m *mergedSubscriber) Close() error {
	var err error
	for _, entry := range m.subscribers {
		err = errors.Join(err, entry.sub.Close())
	}
	return err
}
