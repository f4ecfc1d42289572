package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"connecto/backend/internal/cache"
)

// ErrQueueFull is returned by Enqueue when the local buffer is saturated.
// Activity records are analytics, not truth: dropping under pressure beats
// unbounded memory growth.
var ErrQueueFull = errors.New("sync: activity queue full")

// Producer is the slice of sarama's SyncProducer the dispatcher needs.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// ActivityDispatcher ships presence activity records to Kafka through a
// local bounded queue and background workers with limited retries. Enqueue
// never blocks the caller's hot path.
type ActivityDispatcher struct {
	producer Producer
	topic    string

	queue chan cache.Activity

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type ActivityDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewActivityDispatcher(producer Producer, topic string, opt ActivityDispatcherOptions) *ActivityDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	d := &ActivityDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan cache.Activity, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue hands off one record. Returns ErrQueueFull instead of waiting;
// the presence path must never stall on Kafka.
func (d *ActivityDispatcher) Enqueue(ctx context.Context, a cache.Activity) error {
	select {
	case d.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *ActivityDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *ActivityDispatcher) workerLoop(workerID int) {
	for a := range d.queue {
		d.sendWithRetry(workerID, a)
	}
}

func (d *ActivityDispatcher) sendWithRetry(workerID int, a cache.Activity) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(a)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.Printf("kafka: activity send failed, drop record user=%d action=%s worker=%d err=%v",
				a.UserID, a.Action, workerID, err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *ActivityDispatcher) sendOnce(a cache.Activity) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(a.UserID, 10)),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
