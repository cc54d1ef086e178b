package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "chat.db"

// BoltDB wraps the bbolt database with schema management.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the chat database under dataDir.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	b := &BoltDB{db: db, logger: logger}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugw("Opened chat database", "path", path)
	return b, nil
}

// ensureSchema creates buckets and stamps the schema version.
func (b *BoltDB) ensureSchema() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{SessionsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(SchemaVersionKey)) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, CurrentSchemaVersion)
			if err := meta.Put([]byte(SchemaVersionKey), buf); err != nil {
				return fmt.Errorf("failed to write schema version: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *BoltDB) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Update runs fn in a read-write transaction.
func (b *BoltDB) Update(fn func(tx *bbolt.Tx) error) error {
	return b.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (b *BoltDB) View(fn func(tx *bbolt.Tx) error) error {
	return b.db.View(fn)
}
