package tkv

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

type tkv struct {
	logger          *slog.Logger
	store           *badger.DB
	cache           *ttlcache.Cache[string, string]
	defaultCacheTTL time.Duration
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	badgerLogLevel := badger.INFO
	switch config.BadgerLogLevel {
	case slog.LevelDebug:
		badgerLogLevel = badger.DEBUG
	case slog.LevelInfo:
		badgerLogLevel = badger.INFO
	case slog.LevelWarn:
		badgerLogLevel = badger.WARNING
	case slog.LevelError:
		badgerLogLevel = badger.ERROR
	default:
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),

		// Entries must expire on schedule even when they are read, the
		// replay window depends on it.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &tkv{
		logger:          config.Logger.WithGroup("tkv"),
		store:           db,
		cache:           cache,
		defaultCacheTTL: config.CacheTTL,
	}, nil
}

func (t *tkv) Close() error {
	t.cache.Stop()
	t.logger.Info("ttl cache stopped")

	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) Get(key string) ([]byte, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *tkv) Set(key string, value []byte) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// SetNX sets key only if it is absent. Badger's optimistic transactions
// turn a racing writer into ErrConflict, which is reported as ErrKeyExists
// since the other writer won.
func (t *tkv) SetNX(key string, value []byte) error {
	err := t.store.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return &ErrKeyExists{Key: key}
	}
	return err
}

func (t *tkv) Delete(key string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return keys, nil
}

// -------------------------- CACHE

func (t *tkv) CacheSetNX(key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultCacheTTL
	}
	if _, found := t.cache.GetOrSet(key, value, ttlcache.WithTTL[string, string](ttl)); found {
		return &ErrKeyExists{Key: key}
	}
	return nil
}
