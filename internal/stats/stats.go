// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats keeps rolling traffic statistics in Redis so operators
// can query top talkers and recent alerts without replaying the stream.
package stats

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/detect"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

const (
	keyEvents     = "traffic:events"
	keyBytes      = "traffic:bytes"
	keySources    = "traffic:src"
	keyDests      = "traffic:dst"
	keyProtocols  = "traffic:proto"
	keyDirections = "traffic:direction"
	keyAlerts     = "traffic:alerts"

	// Counters roll over after an hour without traffic.
	statsTTL = time.Hour

	maxRecentAlerts = 100
)

// Recorder writes pipelined counter updates per batch of records.
type Recorder struct {
	rdb    *redis.Client
	logger *logging.Logger
}

// NewRecorder connects to Redis and verifies connectivity.
func NewRecorder(addr, password string, db int) (*Recorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "redis ping %s", addr)
	}
	return NewRecorderFromClient(rdb), nil
}

// NewRecorderFromClient wraps an existing client; used by tests.
func NewRecorderFromClient(rdb *redis.Client) *Recorder {
	return &Recorder{rdb: rdb, logger: logging.WithComponent("stats")}
}

// RecordBatch folds a batch of normalized records into the counters in
// one round trip.
func (r *Recorder) RecordBatch(ctx context.Context, records []cim.Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for i := range records {
		rec := &records[i]
		pipe.Incr(ctx, keyEvents)
		pipe.IncrBy(ctx, keyBytes, rec.Bytes)
		if rec.SrcIP != "" {
			pipe.ZIncrBy(ctx, keySources, float64(rec.Packets), rec.SrcIP)
		}
		if rec.DestIP != "" {
			pipe.ZIncrBy(ctx, keyDests, float64(rec.Packets), rec.DestIP)
		}
		pipe.HIncrBy(ctx, keyProtocols, rec.Transport, 1)
		pipe.HIncrBy(ctx, keyDirections, string(rec.Direction), 1)
	}
	for _, key := range []string{keyEvents, keyBytes, keySources, keyDests, keyProtocols, keyDirections} {
		pipe.Expire(ctx, key, statsTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "stats pipeline")
	}
	return nil
}

// RecordAnomaly prepends an alert to the recent-alerts list.
func (r *Recorder) RecordAnomaly(ctx context.Context, a detect.Anomaly) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal anomaly")
	}
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, keyAlerts, data)
	pipe.LTrim(ctx, keyAlerts, 0, maxRecentAlerts-1)
	pipe.Expire(ctx, keyAlerts, statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "alert pipeline")
	}
	return nil
}

// Entry is one ranked talker.
type Entry struct {
	IP      string `json:"ip"`
	Packets int64  `json:"packets"`
}

// Snapshot is the operator-facing statistics view.
type Snapshot struct {
	TotalEvents  int64             `json:"total_events"`
	TotalBytes   int64             `json:"total_bytes"`
	TopSources   []Entry           `json:"top_sources"`
	TopDests     []Entry           `json:"top_destinations"`
	Protocols    map[string]int64  `json:"protocols"`
	Directions   map[string]int64  `json:"directions"`
	RecentAlerts []json.RawMessage `json:"recent_alerts"`
}

// Snapshot reads the counters back. Missing keys read as zero, so a
// fresh deployment returns an empty but well-formed view.
func (r *Recorder) Snapshot(ctx context.Context, topN int) (*Snapshot, error) {
	if topN <= 0 {
		topN = 10
	}
	snap := &Snapshot{
		Protocols:  make(map[string]int64),
		Directions: make(map[string]int64),
	}

	if v, err := r.rdb.Get(ctx, keyEvents).Result(); err == nil {
		snap.TotalEvents, _ = strconv.ParseInt(v, 10, 64)
	} else if err != redis.Nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "stats read")
	}
	if v, err := r.rdb.Get(ctx, keyBytes).Result(); err == nil {
		snap.TotalBytes, _ = strconv.ParseInt(v, 10, 64)
	} else if err != redis.Nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "stats read")
	}

	for _, pair := range []struct {
		key string
		out *[]Entry
	}{
		{keySources, &snap.TopSources},
		{keyDests, &snap.TopDests},
	} {
		ranked, err := r.rdb.ZRevRangeWithScores(ctx, pair.key, 0, int64(topN)-1).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "stats read")
		}
		for _, z := range ranked {
			ip, _ := z.Member.(string)
			*pair.out = append(*pair.out, Entry{IP: ip, Packets: int64(z.Score)})
		}
	}

	for _, pair := range []struct {
		key string
		out map[string]int64
	}{
		{keyProtocols, snap.Protocols},
		{keyDirections, snap.Directions},
	} {
		all, err := r.rdb.HGetAll(ctx, pair.key).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "stats read")
		}
		for k, v := range all {
			n, _ := strconv.ParseInt(v, 10, 64)
			pair.out[k] = n
		}
	}

	alerts, err := r.rdb.LRange(ctx, keyAlerts, 0, maxRecentAlerts-1).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "stats read")
	}
	for _, a := range alerts {
		snap.RecentAlerts = append(snap.RecentAlerts, json.RawMessage(a))
	}
	return snap, nil
}

// Close releases the client.
func (r *Recorder) Close() error { return r.rdb.Close() }
