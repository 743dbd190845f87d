package storage

import (
	"fmt"
	"time"
)

// Kind selects a backend variant at construction time. The choice is fixed
// for the lifetime of the adapter; there is no runtime switching.
type Kind string

const (
	KindMemory       Kind = "memory"
	KindBadger       Kind = "badger"
	KindRedis        Kind = "redis"
	KindRedisCluster Kind = "redis-cluster"
)

// Options selects and configures a backend. Only the fields relevant to the
// chosen Kind are read.
type Options struct {
	Kind Kind

	// DataDir is the badger data directory.
	DataDir string

	// Addr is the single-node cache-server address.
	Addr string

	// Addrs are the clustered cache-server seed addresses.
	Addrs []string

	// Password authenticates against the cache server.
	Password string

	// DB is the single-node cache-server logical database.
	DB int

	// OpTimeout bounds individual cache-server operations.
	OpTimeout time.Duration
}

// Open constructs the adapter for opts.Kind. An empty Kind defaults to the
// in-process backend.
func Open(opts Options) (Adapter, error) {
	switch opts.Kind {
	case KindMemory, "":
		return NewMemoryAdapter(), nil

	case KindBadger:
		if opts.DataDir == "" {
			return nil, fmt.Errorf("%w: badger backend requires a data directory", ErrAdapterUnavailable)
		}
		return NewBadgerAdapter(BadgerOptions{DataDir: opts.DataDir})

	case KindRedis:
		return NewRedisAdapter(RedisOptions{
			RedisCommonOptions: RedisCommonOptions{
				Password:  opts.Password,
				OpTimeout: opts.OpTimeout,
			},
			Addr: opts.Addr,
			DB:   opts.DB,
		}), nil

	case KindRedisCluster:
		return NewRedisClusterAdapter(RedisClusterOptions{
			RedisCommonOptions: RedisCommonOptions{
				Password:  opts.Password,
				OpTimeout: opts.OpTimeout,
			},
			Addrs: opts.Addrs,
		})

	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrAdapterUnavailable, opts.Kind)
	}
}
