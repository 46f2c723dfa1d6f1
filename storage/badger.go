package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/pkg/logging"
)

const loadMaxPendingWrites = 256

// BadgerStorage implements Storage using BadgerDB
type BadgerStorage struct {
	db     *badger.DB
	logger hclog.Logger
	stop   chan struct{}
}

// NewBadgerStorage opens a BadgerDB at dataDir. An empty dataDir opens an
// in-memory database.
func NewBadgerStorage(dataDir string, logger hclog.Logger) (*BadgerStorage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("badger")

	opts := badger.DefaultOptions(dataDir).
		WithLogger(logging.Badger{L: logger}).
		WithLoggingLevel(badger.WARNING)
	if dataDir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStorage{db: db, logger: logger, stop: make(chan struct{})}
	if dataDir != "" {
		go s.runGC()
	}
	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStorage) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.7) == nil {
			}
		}
	}
}

// Set stores a key-value pair
func (s *BadgerStorage) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get retrieves a value by key
func (s *BadgerStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, found, err
}

// Delete removes keys and reports how many existed
func (s *BadgerStorage) Delete(ctx context.Context, keys ...string) (int, error) {
	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if _, err := txn.Get([]byte(key)); err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Scan iterates keys under prefix in key order
func (s *BadgerStorage) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of keys under prefix
func (s *BadgerStorage) Count(ctx context.Context, prefix string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Backup streams a full dump of the database
func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("badger backup: %w", err)
	}
	return nil
}

// Restore drops all data and loads a dump produced by Backup
func (s *BadgerStorage) Restore(ctx context.Context, r io.Reader) error {
	// Read the dump fully before dropping existing data.
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read badger dump: %w", err)
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("badger drop: %w", err)
	}
	if err := s.db.Load(&buf, loadMaxPendingWrites); err != nil {
		return fmt.Errorf("badger load: %w", err)
	}
	return nil
}

// Close closes the database
func (s *BadgerStorage) Close() error {
	close(s.stop)
	return s.db.Close()
}
