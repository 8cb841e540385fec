package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// RedisBackend stores each job as a JSON document with a sorted set per
// owner (scored by creation time) and a set per status.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBackend(config domain.RedisConfig, logger *slog.Logger) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		MaxRetries:  1,
	})
	return NewRedisBackendFromClient(client, config.KeyPrefix, logger)
}

func NewRedisBackendFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = domain.DefaultRedisConfig().KeyPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "queue-backend", "backend", "redis"),
	}
}

func (r *RedisBackend) Name() string {
	return string(domain.QueueBackendRedis)
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Save(ctx context.Context, job *domain.Job) error {
	data, err := job.ToBytes()
	if err != nil {
		return internalError("failed to encode job", err, job.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisJobKey(r.prefix, job.ID), data, 0)
		for _, status := range domain.AllJobStatuses {
			if status != job.Status {
				pipe.SRem(ctx, redisStatusKey(r.prefix, status), job.ID)
			}
		}
		pipe.SAdd(ctx, redisStatusKey(r.prefix, job.Status), job.ID)
		if job.OwnerID != "" {
			pipe.ZAdd(ctx, redisOwnerKey(r.prefix, job.OwnerID), &redis.Z{
				Score:  float64(job.CreatedAt.UnixNano()),
				Member: job.ID,
			})
		}
		return nil
	})
	if err != nil {
		return internalError("failed to save job", err, job.ID)
	}
	return nil
}

func (r *RedisBackend) Load(ctx context.Context, id string) (*domain.Job, error) {
	data, err := r.client.Get(ctx, redisJobKey(r.prefix, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, internalError("failed to load job", err, id)
	}

	job, err := domain.JobFromBytes(data)
	if err != nil {
		return nil, internalError("failed to decode job", err, id)
	}
	return job, nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	job, err := r.Load(ctx, id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisJobKey(r.prefix, id))
		pipe.SRem(ctx, redisStatusKey(r.prefix, job.Status), id)
		if job.OwnerID != "" {
			pipe.ZRem(ctx, redisOwnerKey(r.prefix, job.OwnerID), id)
		}
		return nil
	})
	if err != nil {
		return internalError("failed to delete job", err, id)
	}
	return nil
}

func (r *RedisBackend) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := r.client.ZRevRange(ctx, redisOwnerKey(r.prefix, ownerID), 0, stop).Result()
	if err != nil {
		return nil, internalError("failed to list jobs for owner", err, ownerID)
	}
	return r.loadMany(ctx, ids)
}

func (r *RedisBackend) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	var ids []string
	for _, status := range statuses {
		members, err := r.client.SMembers(ctx, redisStatusKey(r.prefix, status)).Result()
		if err != nil {
			return nil, internalError("failed to list jobs by status", err, string(status))
		}
		ids = append(ids, members...)
	}

	jobs, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (r *RedisBackend) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	cmds := make(map[domain.JobStatus]*redis.IntCmd, len(domain.AllJobStatuses))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range domain.AllJobStatuses {
			cmds[status] = pipe.SCard(ctx, redisStatusKey(r.prefix, status))
		}
		return nil
	})
	if err != nil {
		return nil, internalError("failed to count jobs", err, "")
	}

	counts := make(map[domain.JobStatus]int, len(cmds))
	for status, cmd := range cmds {
		counts[status] = int(cmd.Val())
	}
	return counts, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// loadMany fetches job documents in one round trip. Ids whose document has
// disappeared are skipped.
func (r *RedisBackend) loadMany(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKey(r.prefix, id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, internalError("failed to load jobs", err, "")
	}

	jobs := make([]*domain.Job, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			r.logger.Debug("job document missing", "job_id", ids[i])
			continue
		}
		job, err := domain.JobFromBytes([]byte(raw))
		if err != nil {
			r.logger.Warn("skipping undecodable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var _ ports.JobBackend = (*RedisBackend)(nil)
