package watchbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaWatch struct {
	pc   sarama.PartitionConsumer
	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

// KafkaWatchBus implements WatchBus on Kafka topics, one topic per key,
// consuming partition 0 from the newest offset.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu      sync.Mutex
	watches map[chan []byte]*kafkaWatch
}

// NewKafkaWatchBus connects to brokers. cfg must allow topic
// auto-creation, or the topics must exist.
func NewKafkaWatchBus(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		watches:  make(map[chan []byte]*kafkaWatch),
	}, nil
}

// kafkaTopic maps a bus key to a legal topic name.
func kafkaTopic(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, key)
}

// Publish implements WatchBus.Publish.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kafkaTopic(key),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Watch implements WatchBus.Watch. The newest offset is resolved before
// Watch returns, so later messages are not missed.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := b.consumer.ConsumePartition(kafkaTopic(key), 0, sarama.OffsetNewest)
	if err != nil {
		return nil, err
	}
	w := &kafkaWatch{pc: pc, ch: make(chan []byte, defaultBuffer), stop: make(chan struct{})}
	b.mu.Lock()
	b.watches[w.ch] = w
	b.mu.Unlock()

	go func() {
		defer close(w.ch)
		for {
			select {
			case msg, ok := <-pc.Messages():
				if !ok {
					return
				}
				select {
				case w.ch <- msg.Value:
				default:
				}
			case <-w.stop:
				return
			}
		}
	}()
	context.AfterFunc(ctx, func() {
		_ = b.Unwatch(context.Background(), key, w.ch)
	})
	return w.ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.watches[ch]
	delete(b.watches, ch)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.pc.Close()
	})
	return err
}

// Close releases the producer and consumer.
func (b *KafkaWatchBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
