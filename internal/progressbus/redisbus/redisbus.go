// Package redisbus mirrors Progress Bus events across processes over a
// single Redis pub/sub channel, grounded on the teacher's
// internal/realtime/bus.redisBus (Publish/StartForwarder over one
// goredis.Client channel), generalized from the teacher's fixed SSEMessage
// payload to progressbus.Event.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/progressbus"
)

// DefaultChannel is the Redis pub/sub channel used absent an override.
const DefaultChannel = "workflow-engine:progress"

// Forwarder mirrors local Bus.Publish calls onto a Redis channel, and feeds
// events published by other processes back into the local Bus via Ingest.
type Forwarder struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// New dials addr and verifies connectivity with a short-lived Ping, the same
// fail-fast-at-construction shape as the teacher's NewRedisBus.
func New(addr, channel string, baseLog *logger.Logger) (*Forwarder, error) {
	if addr == "" {
		return nil, fmt.Errorf("redisbus: addr required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}

	return &Forwarder{log: baseLog.With("component", "ProgressBusRedis"), rdb: rdb, channel: channel}, nil
}

// Publish mirrors one event onto Redis. Wired as a progressbus.WithForwarder
// callback, so it only runs for events that originated on this process.
func (f *Forwarder) Publish(evt progressbus.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		f.log.Warn("marshal progress event for redis", "error", err)
		return
	}
	if err := f.rdb.Publish(context.Background(), f.channel, raw).Err(); err != nil {
		f.log.Warn("publish progress event to redis", "error", err)
	}
}

// StartForwarder subscribes to the Redis channel and ingests every event
// published by another process into bus, until ctx is cancelled.
func (f *Forwarder) StartForwarder(ctx context.Context, bus *progressbus.Bus) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redisbus: subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt progressbus.Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					f.log.Warn("bad progress bus payload from redis", "error", err)
					continue
				}
				bus.Ingest(evt)
			}
		}
	}()
	return nil
}

func (f *Forwarder) Close() error {
	if f.rdb == nil {
		return nil
	}
	return f.rdb.Close()
}
