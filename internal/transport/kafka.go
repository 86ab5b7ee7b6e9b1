package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Kafka header names carried on every message.
const (
	headerMessageID = "message-id"
	headerReplyTo   = "reply-to"
)

// Compile-time checks that KafkaTransport implements the transport interfaces.
var (
	_ Transport   = (*KafkaTransport)(nil)
	_ ReplyWaiter = (*KafkaTransport)(nil)
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	GroupID           string        `yaml:"group_id"`
	Queues            Queues        `yaml:"-"`
	Partitions        int32         `yaml:"partitions"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
}

func (c *KafkaConfig) setDefaults() {
	if c.GroupID == "" {
		c.GroupID = "peermatch"
	}
	if c.Queues == (Queues{}) {
		c.Queues = DefaultQueues()
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// KafkaTransport publishes with a kafka-go Writer, consumes through kafka-go
// consumer-group Readers, and sends replies through a sarama SyncProducer.
type KafkaTransport struct {
	cfg     KafkaConfig
	writer  *kafka.Writer
	replies sarama.SyncProducer

	mu      sync.Mutex
	readers map[*kafka.Reader]struct{}
}

// NewKafkaTransport connects the reply producer and prepares the writer.
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	cfg.setDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers configured", models.ErrTransportUnavailable)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig())
	if err != nil {
		slog.Error("KafkaTransport: reply producer failed", "error", err, "brokers", cfg.Brokers)
		return nil, fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}

	slog.Debug("KafkaTransport created", "brokers", cfg.Brokers, "group", cfg.GroupID)
	return &KafkaTransport{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		replies: producer,
		readers: make(map[*kafka.Reader]struct{}),
	}, nil
}

func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "peermatch"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

// Declare creates every configured topic that does not exist yet.
func (t *KafkaTransport) Declare(ctx context.Context) error {
	admin, err := sarama.NewClusterAdmin(t.cfg.Brokers, newSaramaConfig())
	if err != nil {
		return fmt.Errorf("%w: cluster admin: %v", models.ErrTransportUnavailable, err)
	}
	defer admin.Close()

	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("%w: list topics: %v", models.ErrTransportUnavailable, err)
	}
	for _, topic := range t.cfg.Queues.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := existing[topic]; ok {
			continue
		}
		err := admin.CreateTopic(topic, &sarama.TopicDetail{
			NumPartitions:     t.cfg.Partitions,
			ReplicationFactor: t.cfg.ReplicationFactor,
		}, false)
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: create topic %s: %v", models.ErrTransportUnavailable, topic, err)
		}
		slog.Info("KafkaTransport.Declare: created topic", "topic", topic, "partitions", t.cfg.Partitions)
	}
	return nil
}

func (t *KafkaTransport) Publish(ctx context.Context, queue string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	headers := []kafka.Header{{Key: headerMessageID, Value: []byte(msg.ID)}}
	if msg.ReplyTo != "" {
		headers = append(headers, kafka.Header{Key: headerReplyTo, Value: []byte(msg.ReplyTo)})
	}
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queue,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		slog.Error("KafkaTransport.Publish failed", "error", err, "queue", queue)
		return fmt.Errorf("%w: publish to %s: %v", models.ErrTransportUnavailable, queue, err)
	}
	return nil
}

// Consume reads queue as part of the consumer group. Offsets are committed
// only once the handler accepts or permanently rejects a message. A failing
// handler is retried in place with backoff, and a broken reader is replaced.
func (t *KafkaTransport) Consume(ctx context.Context, queue string, h Handler) error {
	reconnects := 0
	for ctx.Err() == nil {
		r := t.openReader(queue)
		err := t.consumeWith(ctx, r, queue, h, func() { reconnects = 0 })
		t.closeReader(r)
		if ctx.Err() != nil {
			return nil
		}
		delay := Backoff(reconnects, t.cfg.RetryBase, t.cfg.RetryMax)
		slog.Warn("KafkaTransport.Consume: reader failed, reconnecting", "queue", queue, "error", err, "delay", delay, "reconnects", reconnects)
		reconnects++
		if !sleep(ctx, delay) {
			return nil
		}
	}
	return nil
}

func (t *KafkaTransport) openReader(queue string) *kafka.Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  t.cfg.GroupID,
		Topic:    queue,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	t.mu.Lock()
	t.readers[r] = struct{}{}
	t.mu.Unlock()
	return r
}

func (t *KafkaTransport) closeReader(r *kafka.Reader) {
	t.mu.Lock()
	delete(t.readers, r)
	t.mu.Unlock()
	if err := r.Close(); err != nil {
		slog.Debug("KafkaTransport: reader close failed", "error", err)
	}
}

// groupReader is the part of *kafka.Reader a consume loop needs.
type groupReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// consumeWith drives one reader until it fails. fetched runs after every
// successful fetch, so a reader that made progress restarts the reconnect
// backoff.
func (t *KafkaTransport) consumeWith(ctx context.Context, r groupReader, queue string, h Handler, fetched func()) error {
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if fetched != nil {
			fetched()
		}
		msg := fromKafka(km)

		for attempt := 0; ; attempt++ {
			herr := h(ctx, msg)
			if herr == nil || IsPermanent(herr) {
				if herr != nil {
					slog.Warn("KafkaTransport.Consume: dropping message", "queue", queue, "id", msg.ID, "error", herr)
				}
				break
			}
			delay := Backoff(attempt, t.cfg.RetryBase, t.cfg.RetryMax)
			slog.Warn("KafkaTransport.Consume: handler failed, retrying", "queue", queue, "id", msg.ID, "attempt", attempt+1, "delay", delay, "error", herr)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
		}

		if err := r.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func fromKafka(km kafka.Message) Message {
	msg := Message{Key: string(km.Key), Body: km.Value, Time: km.Time}
	for _, hdr := range km.Headers {
		switch hdr.Key {
		case headerMessageID:
			msg.ID = string(hdr.Value)
		case headerReplyTo:
			msg.ReplyTo = string(hdr.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = km.Topic + "-" + strconv.Itoa(km.Partition) + "-" + strconv.FormatInt(km.Offset, 10)
	}
	return msg
}

// Reply sends msg to a "<topic>/<key>" reply address.
func (t *KafkaTransport) Reply(_ context.Context, replyTo string, msg Message) error {
	topic, key, err := ParseReplyAddress(replyTo)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msg.Body),
	}
	if msg.ID != "" {
		pm.Headers = []sarama.RecordHeader{{Key: []byte(headerMessageID), Value: []byte(msg.ID)}}
	}
	partition, offset, err := t.replies.SendMessage(pm)
	if err != nil {
		slog.Error("KafkaTransport.Reply failed", "error", err, "replyTo", replyTo)
		return fmt.Errorf("%w: reply to %s: %v", models.ErrTransportUnavailable, replyTo, err)
	}
	slog.Debug("KafkaTransport.Reply sent", "replyTo", replyTo, "partition", partition, "offset", offset)
	return nil
}

// Await scans every partition of the reply topic from since onwards and
// returns the first message carrying the reply key.
func (t *KafkaTransport) Await(ctx context.Context, replyTo string, since time.Time) (Message, error) {
	topic, key, err := ParseReplyAddress(replyTo)
	if err != nil {
		return Message{}, err
	}

	conn, err := kafka.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return Message{}, fmt.Errorf("%w: dial: %v", models.ErrTransportUnavailable, err)
	}
	partitions, err := conn.ReadPartitions(topic)
	conn.Close()
	if err != nil {
		return Message{}, fmt.Errorf("%w: read partitions: %v", models.ErrTransportUnavailable, err)
	}

	found := make(chan Message, 1)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		g.Go(func() error {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers:   t.cfg.Brokers,
				Topic:     topic,
				Partition: p.ID,
				MinBytes:  1,
				MaxBytes:  10e6,
				MaxWait:   250 * time.Millisecond,
			})
			defer r.Close()
			if err := r.SetOffsetAt(gctx, since); err != nil {
				return err
			}
			for {
				km, err := r.ReadMessage(gctx)
				if err != nil {
					return err
				}
				if string(km.Key) != key {
					continue
				}
				select {
				case found <- fromKafka(km):
				default:
				}
				return errReplyFound
			}
		})
	}

	err = g.Wait()
	select {
	case msg := <-found:
		return msg, nil
	default:
	}
	if ctx.Err() != nil {
		return Message{}, ctx.Err()
	}
	return Message{}, fmt.Errorf("%w: await reply: %v", models.ErrTransportUnavailable, err)
}

var errReplyFound = errors.New("reply found")

// Close stops open readers and flushes the producers.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	for r := range t.readers {
		r.Close()
	}
	t.readers = map[*kafka.Reader]struct{}{}
	t.mu.Unlock()

	return errors.Join(t.writer.Close(), t.replies.Close())
}
