package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

const (
	// TasksCacheKey holds the cached full task list.
	TasksCacheKey = "tasks:all"
	// TasksVersionKey is bumped by every write. A list read from the
	// backing store is only cached while the version it started at is
	// still current.
	TasksVersionKey = "tasks:ver"
)

var errStaleList = errors.New("task list version moved")

type backend interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	PutTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, id string) error
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type cachedList struct {
	Version int64         `json:"version"`
	Tasks   []domain.Task `json:"tasks"`
}

// Cache wraps a task store with a Redis-backed copy of the full list.
// Every write through the cache bumps the list version and evicts the copy
// after the base write.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *Cache) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx); ok {
		return tasks, nil
	}
	// Read the version before scanning so a write landing during the scan
	// keeps the result out of the cache.
	ver, verErr := c.version(ctx)
	tasks, err := c.base.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if verErr == nil {
		c.store(ctx, ver, tasks)
	}
	return tasks, nil
}

func (c *Cache) PutTask(ctx context.Context, task domain.Task) error {
	if err := c.base.PutTask(ctx, task); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) load(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	vals, err := c.redis.MGet(ctx, TasksCacheKey, TasksVersionKey).Result()
	if err != nil {
		// On redis errors fall back to the backing storage without failing.
		c.logger.WithError(err).Warn("tasks cache read failed")
		return nil, false
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, false
	}
	var cached cachedList
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		_ = c.redis.Del(ctx, TasksCacheKey).Err()
		return nil, false
	}
	cur, err := parseVersion(vals[1])
	if err != nil || cur != cached.Version {
		return nil, false
	}
	return cached.Tasks, true
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	if c.redis == nil {
		return 0, nil
	}
	ver, err := readVersion(ctx, c.redis)
	if err != nil {
		c.logger.WithError(err).Warn("tasks cache version read failed")
	}
	return ver, err
}

// store writes the list only if no write bumped the version since ver was
// read. WATCH aborts the transaction when a bump races the check.
func (c *Cache) store(ctx context.Context, ver int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(cachedList{Version: ver, Tasks: tasks})
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readVersion(ctx, tx)
		if err != nil {
			return err
		}
		if cur != ver {
			return errStaleList
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, TasksCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, TasksVersionKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleList), errors.Is(err, redis.TxFailedErr):
		c.logger.WithField("version", ver).Debug("skipping stale task list")
	default:
		c.logger.WithError(err).Warn("tasks cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, TasksVersionKey)
		pipe.Del(ctx, TasksCacheKey)
		return nil
	})
	if err != nil {
		c.logger.WithError(err).Error("tasks cache eviction failed")
	}
}

func readVersion(ctx context.Context, r getter) (int64, error) {
	ver, err := r.Get(ctx, TasksVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func parseVersion(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errStaleList
	}
	return strconv.ParseInt(s, 10, 64)
}
