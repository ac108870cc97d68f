package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trail-svr/internal/observability"
	"trail-svr/internal/pipeline"
)

const (
	keyPrefix = "trail:"
	keySuffix = ":samples"

	DefaultMaxSamples = 5000
	DefaultTTL        = 24 * time.Hour
)

func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Key is the Redis list holding a device's live samples.
func Key(deviceID string) string {
	return keyPrefix + deviceID + keySuffix
}

type FeedOptions struct {
	// MaxSamples caps each device list; older samples are trimmed.
	MaxSamples int64
	// TTL expires a device list once it stops growing.
	TTL    time.Duration
	Logger *slog.Logger
}

// Feed is the per-device live sample list shared by ingest and playback.
type Feed struct {
	rdb    redis.UniversalClient
	max    int64
	ttl    time.Duration
	logger *slog.Logger
}

func NewFeed(rdb redis.UniversalClient, opts FeedOptions) *Feed {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Feed{
		rdb:    rdb,
		max:    opts.MaxSamples,
		ttl:    opts.TTL,
		logger: opts.Logger.With("component", "store"),
	}
}

// Append pushes samples to the tail of the device list and trims the head.
func (f *Feed) Append(ctx context.Context, deviceID string, samples ...pipeline.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	values := make([]any, 0, len(samples))
	for _, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal sample: %w", err)
		}
		values = append(values, b)
	}

	key := Key(deviceID)
	_, err := f.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, values...)
		p.LTrim(ctx, key, -f.max, -1)
		p.Expire(ctx, key, f.ttl)
		return nil
	})
	if err != nil {
		observability.FeedErrors.WithLabelValues("append").Inc()
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

// Samples returns the device list oldest first. Entries that fail to decode
// are skipped.
func (f *Feed) Samples(ctx context.Context, deviceID string) ([]pipeline.Sample, error) {
	key := Key(deviceID)
	vals, err := f.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		observability.FeedErrors.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([]pipeline.Sample, 0, len(vals))
	for _, v := range vals {
		var s pipeline.Sample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			f.logger.Warn("store: skipping corrupt sample", "key", key, "err", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *Feed) Len(ctx context.Context, deviceID string) (int64, error) {
	return f.rdb.LLen(ctx, Key(deviceID)).Result()
}

func (f *Feed) Clear(ctx context.Context, deviceID string) error {
	if err := f.rdb.Del(ctx, Key(deviceID)).Err(); err != nil {
		observability.FeedErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Devices lists device ids that currently have a feed.
func (f *Feed) Devices(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := f.rdb.Scan(ctx, cursor, keyPrefix+"*"+keySuffix, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(k, keyPrefix), keySuffix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Source binds the feed to one device for playback.
func (f *Feed) Source(deviceID string) *DeviceSource {
	return &DeviceSource{feed: f, deviceID: deviceID}
}

// DeviceSource reads one device's feed as a playback source.
type DeviceSource struct {
	feed     *Feed
	deviceID string
}

func (d *DeviceSource) CurrentSamples(ctx context.Context) ([]pipeline.Sample, error) {
	return d.feed.Samples(ctx, d.deviceID)
}
