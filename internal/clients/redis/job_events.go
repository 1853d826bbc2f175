package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	goredis "github.com/redis/go-redis/v9"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

const DefaultChannel = "bookgen:job-events"

// JobEventMessage is the wire form of a job transition on the bus.
type JobEventMessage struct {
	Event         string    `json:"event"`
	TenantID      string    `json:"tenant_id"`
	JobID         string    `json:"job_id"`
	JobType       string    `json:"job_type"`
	BookID        string    `json:"book_id"`
	BookVersionID string    `json:"book_version_id"`
	ChapterIndex  *int      `json:"chapter_index,omitempty"`
	SectionIndex  *int      `json:"section_index,omitempty"`
	Status        string    `json:"status"`
	Stage         string    `json:"stage,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}

// NewJobEventMessage snapshots a job for publishing.
func NewJobEventMessage(event string, job *types.Job, message string) JobEventMessage {
	return JobEventMessage{
		Event:         event,
		TenantID:      job.TenantID,
		JobID:         job.ID.String(),
		JobType:       string(job.Type),
		BookID:        job.BookID,
		BookVersionID: job.BookVersionID,
		ChapterIndex:  job.ChapterIndex,
		SectionIndex:  job.SectionIndex,
		Status:        string(job.Status),
		Stage:         job.Stage,
		Message:       message,
		At:            time.Now().UTC(),
	}
}

type JobEventBus interface {
	Publish(ctx context.Context, msg JobEventMessage) error
	StartForwarder(ctx context.Context, onMsg func(m JobEventMessage)) error
	Close() error
}

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type jobEventBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewJobEventBus connects to Redis, retrying the initial ping a few times while Redis starts.
func NewJobEventBus(ctx context.Context, log *logger.Logger, cfg Config) (JobEventBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(cfg.Channel)
	if ch == "" {
		ch = DefaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	err := retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return rdb.Ping(pingCtx).Err()
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &jobEventBus{
		log:     log.With("service", "RedisJobEventBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *jobEventBus) Publish(ctx context.Context, msg JobEventMessage) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis job event bus not initialized")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *jobEventBus) StartForwarder(ctx context.Context, onMsg func(m JobEventMessage)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis job event bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
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
				var msg JobEventMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("bad redis job event payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

func (b *jobEventBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
