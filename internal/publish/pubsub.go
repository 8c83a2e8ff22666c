// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

// PubSub publishes to Google Cloud Pub/Sub. Topics are created on
// first use and cached.
type PubSub struct {
	client   *pubsub.Client
	logger   *logging.Logger
	counters Counters

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	queue    chan queued
	workerWg sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

type queued struct {
	topic string
	data  []byte
}

// NewPubSub connects to the project and starts the delivery worker.
func NewPubSub(ctx context.Context, projectID string, queueSize int) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "pubsub client")
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	p := &PubSub{
		client: client,
		logger: logging.WithComponent("publish"),
		topics: make(map[string]*pubsub.Topic),
		queue:  make(chan queued, queueSize),
		stop:   make(chan struct{}),
	}
	p.workerWg.Add(1)
	go p.deliver()
	return p, nil
}

// Publish enqueues a message, waiting briefly when the queue is full
// before dropping it. The broker is never on the hot path.
func (p *PubSub) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal message")
	}
	select {
	case p.queue <- queued{topic: topic, data: data}:
		return nil
	case <-time.After(enqueueTimeout):
		p.counters.Dropped.Add(1)
		return errors.Errorf(errors.KindQueueFull, "publish queue full, message to %s dropped", topic)
	}
}

func (p *PubSub) deliver() {
	defer p.workerWg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.stop:
			// Drain what is already queued.
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *PubSub) send(msg queued) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic, err := p.ensureTopic(ctx, msg.topic)
	if err != nil {
		p.counters.Failed.Add(1)
		p.logger.Error("topic unavailable", "topic", msg.topic, "error", err)
		return
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: msg.data})
	if _, err := result.Get(ctx); err != nil {
		p.counters.Failed.Add(1)
		p.logger.Error("publish failed", "topic", msg.topic, "error", err)
		return
	}
	p.counters.Published.Add(1)
}

func (p *PubSub) ensureTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, err
		}
		p.logger.Info("topic created", "topic", name)
	}
	p.topics[name] = topic
	return topic, nil
}

// Flush waits for the queue to empty and the topics to drain.
func (p *PubSub) Flush(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for len(p.queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Flush()
	}
	return nil
}

// Close stops the worker, drains the queue, and closes the client.
func (p *PubSub) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.workerWg.Wait()
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

// Counters exposes the counter block.
func (p *PubSub) Counters() *Counters { return &p.counters }
