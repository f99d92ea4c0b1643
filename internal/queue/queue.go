// Package queue is a durable message queue on BadgerDB with at-least-
// once delivery, bounded retries and a dead-letter path. Keys order
// messages FIFO per topic; a message stays on disk until it is acked,
// so a crash between dequeue and ack redelivers it.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when the queue has been closed.
	ErrClosed = errors.New("queue is closed")
)

// DefaultMaxAttempts is how many deliveries a message gets before it is
// moved to the dead-letter path.
const DefaultMaxAttempts = 5

// Config configures the queue.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory runs without disk persistence; used by tests.
	InMemory bool

	// MaxAttempts bounds deliveries per message.
	MaxAttempts int

	Logger *log.Logger
}

// Message is one queued envelope. Key carries the ordering scope
// (the cycle correlation id for control messages).
type Message struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Key      string `json:"key"`
	Attempts int    `json:"attempts"`
	Payload  []byte `json:"payload"`

	storeKey []byte
}

// Queue is a durable topic queue.
type Queue struct {
	db     *badger.DB
	cfg    Config
	logger *log.Logger

	counter atomic.Uint64
	closed  atomic.Bool

	mu     sync.Mutex
	leased map[string]bool
	notify map[string]chan struct{}
}

// New opens the queue.
func New(cfg Config) (*Queue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
		logger.SetLevel(log.FatalLevel)
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &Queue{
		db:     db,
		cfg:    cfg,
		logger: logger,
		leased: make(map[string]bool),
		notify: make(map[string]chan struct{}),
	}
	q.counter.Store(uint64(time.Now().UnixNano()))
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.db.Close()
}

func topicPrefix(topic string) []byte { return []byte("q/" + topic + "/") }
func deadPrefix(topic string) []byte  { return []byte("dl/" + topic + "/") }

func (q *Queue) nextKey(topic string) []byte {
	seq := q.counter.Add(1)
	key := make([]byte, 0, len(topic)+11)
	key = append(key, topicPrefix(topic)...)
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], seq)
	return append(key, tail[:]...)
}

func (q *Queue) wake(topic string) {
	q.mu.Lock()
	ch := q.notify[topic]
	q.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) waiter(topic string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.notify[topic]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notify[topic] = ch
	}
	return ch
}

// Enqueue appends a message to a topic.
func (q *Queue) Enqueue(topic, key string, payload []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	msg := Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Key:     key,
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	storeKey := q.nextKey(topic)
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	q.wake(topic)
	return nil
}

// readFirst returns the oldest unleased message on the topic, or nil.
func (q *Queue) readFirst(topic string) (*Message, error) {
	var msg *Message
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: topicPrefix(topic), PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			q.mu.Lock()
			leased := q.leased[string(k)]
			q.mu.Unlock()
			if leased {
				continue
			}
			return item.Value(func(val []byte) error {
				var m Message
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("failed to decode message %q: %w", k, err)
				}
				m.storeKey = k
				msg = &m
				return nil
			})
		}
		return nil
	})
	return msg, err
}

// Dequeue blocks until a message is available or the context ends. The
// message stays durable until Ack; redelivery after a crash is expected
// and handlers must be idempotent.
func (q *Queue) Dequeue(ctx context.Context, topic string) (*Message, error) {
	waiter := q.waiter(topic)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		msg, err := q.readFirst(topic)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			q.mu.Lock()
			q.leased[string(msg.storeKey)] = true
			q.mu.Unlock()
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waiter:
		case <-ticker.C:
			// Safety net for wakeups lost across restarts.
		}
	}
}

// Ack removes a delivered message permanently.
func (q *Queue) Ack(msg *Message) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(msg.storeKey)
	})
	q.mu.Lock()
	delete(q.leased, string(msg.storeKey))
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return nil
}

// Nack returns a failed message to the topic with its attempt count
// incremented, or moves it to the dead-letter path once the attempt
// budget is spent. Returns true when the message was dead-lettered.
func (q *Queue) Nack(msg *Message) (bool, error) {
	msg.Attempts++
	dead := msg.Attempts >= q.cfg.MaxAttempts

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(msg.storeKey); err != nil {
			return err
		}
		if dead {
			deadKey := append(deadPrefix(msg.Topic), msg.storeKey[len(topicPrefix(msg.Topic)):]...)
			return txn.Set(deadKey, data)
		}
		return txn.Set(msg.storeKey, data)
	})
	q.mu.Lock()
	delete(q.leased, string(msg.storeKey))
	q.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to nack: %w", err)
	}
	if dead {
		q.logger.Warn("message dead-lettered", "topic", msg.Topic, "key", msg.Key, "attempts", msg.Attempts)
	} else {
		q.wake(msg.Topic)
	}
	return dead, nil
}

// DeadLetters lists dead-lettered messages for a topic, oldest first.
func (q *Queue) DeadLetters(topic string) ([]Message, error) {
	var out []Message
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: deadPrefix(topic), PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				out = append(out, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Len reports the number of pending messages on a topic.
func (q *Queue) Len(topic string) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: topicPrefix(topic)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
