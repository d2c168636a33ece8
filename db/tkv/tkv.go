package tkv

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	CacheTTL       time.Duration

	// InMemory keeps badger entirely in memory. Directory is ignored.
	InMemory bool
}

type TKVDataHandler interface {
	Get(key string) ([]byte, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Set(key string, value []byte) error
	SetNX(key string, value []byte) error
	Delete(key string) error
}

// TKVCacheHandler is the ephemeral side of the store. Values live in memory
// only and expire on their ttl regardless of reads.
type TKVCacheHandler interface {
	CacheSetNX(key string, value string, ttl time.Duration) error
}

type TKV interface {
	TKVDataHandler
	TKVCacheHandler

	Close() error
}
