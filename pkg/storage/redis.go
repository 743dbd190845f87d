package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout on the cache server.
//
//	smem:rec:<id>        -> JSON(Record)
//	smem:all             -> SET of record IDs (iteration index)
//	smem:tenant:<tenant> -> SET of record IDs owned by the tenant
const (
	redisRecordPrefix = "smem:rec:"
	redisAllSet       = "smem:all"
	redisTenantPrefix = "smem:tenant:"
)

// redisCore implements the Adapter contract over a redis.UniversalClient.
// Both the single-node and the clustered variant delegate to it; they differ
// only in construction and in how Ping fans out.
//
// Iteration is driven by the smem:all index set rather than SCAN so that a
// restarted iteration over a stable store visits the same membership on both
// the single-node and the sharded deployment.
type redisCore struct {
	client    redis.UniversalClient
	opTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// RedisCommonOptions carries the settings shared by both cache-server
// variants.
type RedisCommonOptions struct {
	// Password authenticates against the server. Empty means no auth.
	Password string

	// OpTimeout bounds each individual operation. Zero means 5s.
	OpTimeout time.Duration
}

// RedisOptions configures the single-node cache-server adapter.
type RedisOptions struct {
	RedisCommonOptions

	// Addr is the host:port of the server. Empty means localhost:6379.
	Addr string

	// DB selects the logical database number.
	DB int
}

// RedisClusterOptions configures the sharded cache-server adapter.
type RedisClusterOptions struct {
	RedisCommonOptions

	// Addrs are the seed node addresses. At least one is required.
	Addrs []string
}

// RedisAdapter stores records on a single-node cache server. Durability is
// whatever the server is configured for; multiple store processes may share
// one server.
type RedisAdapter struct {
	redisCore
}

// RedisClusterAdapter stores records on a sharded cache-server deployment.
// Record keys hash across shards; the index sets make iteration restartable
// even when individual shards come and go. Cross-client consistency is
// eventual.
type RedisClusterAdapter struct {
	redisCore
}

// NewRedisAdapter creates a single-node cache-server adapter.
//
// The constructor does not contact the server. Connections are established
// lazily on first use, so the adapter can be built before the server is up;
// Ping is the explicit connectivity check.
func NewRedisAdapter(opts RedisOptions) *RedisAdapter {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisAdapter{redisCore{
		client:    client,
		opTimeout: normalizeTimeout(opts.OpTimeout),
	}}
}

// NewRedisClusterAdapter creates a sharded cache-server adapter. Like the
// single-node variant, it does not contact the cluster at construction.
func NewRedisClusterAdapter(opts RedisClusterOptions) (*RedisClusterAdapter, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("%w: cluster adapter requires at least one seed address", ErrAdapterUnavailable)
	}

	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
	})

	return &RedisClusterAdapter{redisCore{
		client:    client,
		opTimeout: normalizeTimeout(opts.OpTimeout),
	}}, nil
}

func normalizeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// SetRecord upserts a record and maintains the iteration and tenant index
// sets in one pipeline.
func (r *redisCore) SetRecord(ctx context.Context, key string, ts time.Time, rec *Record) error {
	if rec == nil || key == "" {
		return ErrInvalidRecord
	}
	if r.isClosed() {
		return ErrAdapterClosed
	}

	stored := copyRecord(rec)
	stored.Timestamp = ts

	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: marshaling record %s: %v", ErrInvalidRecord, key, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	// Clean a stale tenant index entry if the record moved tenants.
	if prev, err := r.GetRecord(ctx, key); err == nil {
		if prev.Sigil.TenantID != stored.Sigil.TenantID {
			if err := r.client.SRem(opCtx, redisTenantPrefix+prev.Sigil.TenantID, key).Err(); err != nil {
				return wrapRedisErr(ctx, "removing stale tenant index for "+key, err)
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Set(opCtx, redisRecordPrefix+key, value, 0)
	pipe.SAdd(opCtx, redisAllSet, key)
	pipe.SAdd(opCtx, redisTenantPrefix+stored.Sigil.TenantID, key)
	if _, err := pipe.Exec(opCtx); err != nil {
		return wrapRedisErr(ctx, "writing record "+key, err)
	}
	return nil
}

// GetRecord returns the record stored under key.
func (r *redisCore) GetRecord(ctx context.Context, key string) (*Record, error) {
	if r.isClosed() {
		return nil, ErrAdapterClosed
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	value, err := r.client.Get(opCtx, redisRecordPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapRedisErr(ctx, "reading record "+key, err)
	}

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s: %v", ErrInvalidRecord, key, err)
	}
	return &rec, nil
}

// DeleteRecord removes a record and its index entries. Missing keys are not
// an error.
func (r *redisCore) DeleteRecord(ctx context.Context, key string) error {
	if r.isClosed() {
		return ErrAdapterClosed
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	rec, err := r.GetRecord(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(opCtx, redisRecordPrefix+key)
	pipe.SRem(opCtx, redisAllSet, key)
	pipe.SRem(opCtx, redisTenantPrefix+rec.Sigil.TenantID, key)
	if _, err := pipe.Exec(opCtx); err != nil {
		return wrapRedisErr(ctx, "deleting record "+key, err)
	}
	return nil
}

// AllRecords iterates the index set and fetches each record. With a tenant
// filter only that tenant's set is read (server-side filtering). Records
// deleted between the set read and the fetch are skipped.
func (r *redisCore) AllRecords(ctx context.Context, tenantID string, fn func(*Record) error) error {
	if r.isClosed() {
		return ErrAdapterClosed
	}

	indexSet := redisAllSet
	if tenantID != "" {
		indexSet = redisTenantPrefix + tenantID
	}

	ids, err := r.memberSnapshot(ctx, indexSet)
	if err != nil {
		return err
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := r.GetRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// memberSnapshot reads an index set with SSCAN so large stores never block
// the server the way SMEMBERS on a huge set would.
func (r *redisCore) memberSnapshot(ctx context.Context, set string) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	var (
		ids    []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.SScan(scanCtx, set, cursor, "", 512).Result()
		if err != nil {
			return nil, wrapRedisErr(ctx, "scanning index "+set, err)
		}
		ids = append(ids, batch...)
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// GetLinks returns node-to-spiral references for every stored record.
func (r *redisCore) GetLinks(ctx context.Context) ([]Link, error) {
	var links []Link
	err := r.AllRecords(ctx, "", func(rec *Record) error {
		links = append(links, Link{From: rec.ID, To: rec.SpiralID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}

// Ping checks server connectivity. For the clustered variant the client
// pings across shards, so a fully partitioned cluster fails here.
func (r *redisCore) Ping(ctx context.Context) error {
	if r.isClosed() {
		return ErrAdapterClosed
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Ping(opCtx).Err(); err != nil {
		return wrapRedisErr(ctx, "ping", err)
	}
	return nil
}

// Close releases the client connection pool. Idempotent.
func (r *redisCore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *redisCore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// wrapRedisErr maps transport failures to ErrAdapterUnavailable so callers
// can retry with backoff. parent is the caller's context, before the
// per-operation timeout is applied: when the parent itself is done the
// caller asked to stop and its error passes through untouched, but a
// deadline that fired while the parent was still live is the adapter's own
// operation timeout, which is a transport failure and retryable.
func wrapRedisErr(parent context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if parent.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrAdapterUnavailable, op, err)
}
