// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline wires the stages together: ingest queue, normalizer
// workers, the stream processor with its windows and detectors, and the
// publisher. It owns the callbacks between stages and the shutdown
// drain.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/clock"
	"github.com/MuzeenMir/sentinel-sub000/internal/detect"
	"github.com/MuzeenMir/sentinel-sub000/internal/flow"
	"github.com/MuzeenMir/sentinel-sub000/internal/ingest"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/metrics"
	"github.com/MuzeenMir/sentinel-sub000/internal/publish"
	"github.com/MuzeenMir/sentinel-sub000/internal/stats"
	"github.com/MuzeenMir/sentinel-sub000/internal/window"
)

// Flows idle longer than this (in event time) are evicted from the
// store. Long-lived connections re-enter on their next packet.
const flowIdleTTL = 5 * time.Minute

// Options carries the pipeline dependencies. Queue and Publisher are
// required; Stats and Metrics are optional.
type Options struct {
	Queue     *ingest.Queue
	Publisher publish.Publisher
	Stats     *stats.Recorder
	Metrics   *metrics.Metrics

	Detection detect.Config
	Windows   []window.Spec // nil selects the default set

	Parallelism     int // 0 = NumCPU
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Pipeline runs the data plane: events in, features and anomalies out.
type Pipeline struct {
	queue     *ingest.Queue
	publisher publish.Publisher
	stats     *stats.Recorder
	metrics   *metrics.Metrics
	logger    *logging.Logger

	normalizer *cim.Normalizer
	flows      *flow.Store
	windows    *window.Manager
	detector   *detect.Engine

	parallelism     int
	batchSize       int
	flushInterval   time.Duration
	shutdownTimeout time.Duration

	recCh chan *cim.Record

	processed atomic.Uint64
	malformed atomic.Uint64
	anomalies atomic.Uint64
	lastEvent atomic.Int64 // unix nanos of the newest event time seen
	startedAt time.Time
}

// New builds a pipeline from opts. Run must be called to start it.
func New(opts Options) *Pipeline {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	p := &Pipeline{
		queue:           opts.Queue,
		publisher:       opts.Publisher,
		stats:           opts.Stats,
		metrics:         opts.Metrics,
		logger:          logging.WithComponent("pipeline"),
		normalizer:      cim.NewNormalizer(),
		flows:           flow.NewStore(opts.Parallelism),
		parallelism:     opts.Parallelism,
		batchSize:       opts.BatchSize,
		flushInterval:   opts.FlushInterval,
		shutdownTimeout: opts.ShutdownTimeout,
		recCh:           make(chan *cim.Record, opts.BatchSize*2),
	}
	p.windows = window.NewManager(opts.Windows, p.onWindowClose)
	p.detector = detect.NewEngine(opts.Detection, p.onAnomaly)
	return p
}

// Run blocks until ctx is cancelled, then drains: remaining queued
// events are processed, open windows force-closed, and the publisher
// flushed, all within the shutdown timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	p.startedAt = clock.Now()
	p.logger.Info("Pipeline starting", "parallelism", p.parallelism, "batch_size", p.batchSize)

	g, gctx := errgroup.WithContext(ctx)

	var normWg sync.WaitGroup
	for i := 0; i < p.parallelism; i++ {
		normWg.Add(1)
		g.Go(func() error {
			defer normWg.Done()
			return p.normalizeLoop(gctx)
		})
	}
	g.Go(func() error {
		normWg.Wait()
		close(p.recCh)
		return nil
	})
	g.Go(p.streamLoop)
	if p.metrics != nil {
		g.Go(func() error {
			return p.gaugeLoop(gctx)
		})
	}

	err := g.Wait()
	p.logger.Info("Pipeline stopped",
		"processed", p.processed.Load(),
		"malformed", p.malformed.Load(),
		"anomalies", p.anomalies.Load())
	return err
}

// normalizeLoop pops raw events, normalizes them, and forwards records
// to the stream processor. On shutdown it drains whatever is still
// queued, bounded by the shutdown timeout.
func (p *Pipeline) normalizeLoop(ctx context.Context) error {
	for {
		ev, ok := p.queue.Pop(ctx)
		if !ok {
			p.drainQueue()
			return nil
		}
		p.handleRaw(ev)
	}
}

func (p *Pipeline) drainQueue() {
	deadline := time.Now().Add(p.shutdownTimeout)
	for time.Now().Before(deadline) {
		ev, ok := p.queue.TryPop()
		if !ok {
			return
		}
		p.handleRaw(ev)
	}
}

func (p *Pipeline) handleRaw(ev cim.RawEvent) {
	rec, err := p.normalizer.Normalize(ev)
	if err != nil {
		p.malformed.Add(1)
		if p.metrics != nil {
			p.metrics.EventsMalformed.WithLabelValues(string(ev.Source)).Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.EventsReceived.WithLabelValues(string(rec.SourceType)).Inc()
	}
	p.recCh <- &rec
}

// streamLoop is the single consumer of normalized records. All window
// and detector state is mutated only from here.
func (p *Pipeline) streamLoop() error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]cim.Record, 0, p.batchSize)
	for {
		select {
		case rec, ok := <-p.recCh:
			if !ok {
				p.flushBatch(batch)
				p.shutdownFlush()
				return nil
			}
			p.handleRecord(rec)
			batch = append(batch, *rec)
			if len(batch) >= p.batchSize {
				p.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			p.flushBatch(batch)
			batch = batch[:0]
			p.evictIdleFlows()
		}
	}
}

func (p *Pipeline) handleRecord(rec *cim.Record) {
	p.processed.Add(1)
	if ns := rec.EventTime.UnixNano(); ns > p.lastEvent.Load() {
		p.lastEvent.Store(ns)
	}

	p.flows.Upsert(flow.KeyFromRecord(rec), rec)
	if !p.windows.Process(rec) && p.metrics != nil {
		p.metrics.LateDropped.Inc()
	}
	p.detector.OnRecord(rec)
}

// flushBatch hands a batch of normalized records to the publisher and
// the hot statistics store.
func (p *Pipeline) flushBatch(batch []cim.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.flushInterval)
	defer cancel()

	if err := p.publisher.Publish(ctx, publish.TopicTraffic, batch); err != nil {
		p.logger.Warn("Traffic publish failed", "error", err, "batch", len(batch))
		if p.metrics != nil {
			p.metrics.PublishDropped.Inc()
		}
	}
	if p.stats != nil {
		if err := p.stats.RecordBatch(ctx, batch); err != nil {
			p.logger.Warn("Stats update failed", "error", err)
		}
	}
}

// evictIdleFlows removes aggregates whose last event is older than the
// idle TTL, measured against the newest event time observed so replayed
// captures age the same way live traffic does.
func (p *Pipeline) evictIdleFlows() {
	newest := p.lastEvent.Load()
	if newest == 0 {
		return
	}
	cutoff := time.Unix(0, newest).Add(-flowIdleTTL)

	var stale []flow.Key
	p.flows.ForEach(func(agg *flow.Aggregate) {
		if agg.LastSeen.Before(cutoff) {
			stale = append(stale, agg.Key)
		}
	})
	for _, key := range stale {
		p.flows.Remove(key)
	}
	if len(stale) > 0 {
		p.logger.Debug("Evicted idle flows", "count", len(stale))
	}
}

// shutdownFlush force-closes open windows and flushes the publisher.
func (p *Pipeline) shutdownFlush() {
	p.windows.FlushAll()

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()
	if err := p.publisher.Flush(ctx); err != nil {
		p.logger.Warn("Publisher flush failed", "error", err)
	}
}

// onWindowClose publishes the feature vector and runs the window-scoped
// detectors. Invoked synchronously from the stream goroutine.
func (p *Pipeline) onWindowClose(em window.Emission) {
	if p.metrics != nil {
		p.metrics.WindowsClosed.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.flushInterval)
	defer cancel()
	if err := p.publisher.Publish(ctx, publish.TopicFeatures, em); err != nil {
		p.logger.Warn("Feature publish failed", "error", err, "window", em.Window.Spec.Name())
	}
	p.detector.OnWindowClose(em)
}

// onAnomaly fans a detector emission out to the publisher, the hot
// statistics store, and the metrics registry.
func (p *Pipeline) onAnomaly(a detect.Anomaly) {
	p.anomalies.Add(1)
	p.logger.Warn("Anomaly detected",
		"type", a.Type, "severity", a.Severity, "source_ip", a.SourceIP)

	if p.metrics != nil {
		p.metrics.Anomalies.WithLabelValues(a.Type, a.Severity).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.flushInterval)
	defer cancel()
	if err := p.publisher.Publish(ctx, publish.TopicAnomalies, a); err != nil {
		p.logger.Warn("Anomaly publish failed", "error", err)
	}
	if p.stats != nil {
		if err := p.stats.RecordAnomaly(ctx, a); err != nil {
			p.logger.Warn("Anomaly stats update failed", "error", err)
		}
	}
}

// gaugeLoop refreshes the queue and store gauges.
func (p *Pipeline) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.metrics.QueueDepth.WithLabelValues("ingest").Set(float64(p.queue.Len()))
			p.metrics.FlowsActive.Set(float64(p.flows.Len()))
		}
	}
}

// Health reports the pipeline's live state for the /health endpoint.
func (p *Pipeline) Health() map[string]any {
	watermarks := make(map[string]string)
	for src, wm := range p.windows.Watermarks() {
		watermarks[string(src)] = wm.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"started_at":     p.startedAt.UTC().Format(time.RFC3339),
		"processed":      p.processed.Load(),
		"malformed":      p.malformed.Load(),
		"anomalies":      p.anomalies.Load(),
		"queue_depth":    p.queue.Len(),
		"queue_dropped":  p.queue.Drops(),
		"flows_active":   p.flows.Len(),
		"windows_live":   p.windows.Live(),
		"windows_closed": p.windows.Closed.Load(),
		"late_dropped":   p.windows.LateDropped.Load(),
		"watermarks":     watermarks,
	}
}
