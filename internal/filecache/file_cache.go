package filecache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
)

// FileName is the name of the database Open creates in its directory.
const FileName = "objects.db"

// HotEntries is the number of entries the in-memory tier of a FileCache
// keeps.
const HotEntries = 64

var (
	// blobsBucket maps a key to its object code.
	blobsBucket = []byte("blobs")
	// lastUseBucket maps a key to the sequence number of its last use.
	lastUseBucket = []byte("lastUse")
	// byAgeBucket orders keys by last use: its keys are a big-endian
	// sequence number followed by the key, and its values are empty.
	byAgeBucket = []byte("byAge")
)

// FileCache is a Cache stored in a bbolt database, which evicts the least
// recently used entries once their total size exceeds a limit. Recently
// used entries are also kept in memory.
type FileCache struct {
	db       *bolt.DB
	hot      *lru.Cache[Key, []byte]
	maxBytes uint64
	logger   *zap.Logger

	// mu serializes writes so the size accounting matches the database.
	mu         sync.Mutex
	totalBytes uint64
	seq        uint64
}

var _ Cache = (*FileCache)(nil)

// Open opens or creates the cache in dir, holding at most maxBytes of
// object code. Zero means no limit.
func Open(dir string, maxBytes uint64) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open object cache: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, FileName), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open object cache: %w", err)
	}
	hot, err := lru.New[Key, []byte](HotEntries)
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &FileCache{db: db, hot: hot, maxBytes: maxBytes, logger: logging.Named("filecache")}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blobsBucket, lastUseBucket, byAgeBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if err := tx.Bucket(blobsBucket).ForEach(func(_, v []byte) error {
			c.totalBytes += uint64(len(v))
			return nil
		}); err != nil {
			return err
		}
		if k, _ := tx.Bucket(byAgeBucket).Cursor().Last(); k != nil {
			c.seq = binary.BigEndian.Uint64(k)
		}
		return c.evict(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open object cache: %w", err)
	}
	c.logger.Debug("opened object cache",
		zap.String("path", db.Path()), zap.Uint64("bytes", c.totalBytes), zap.Uint64("max_bytes", maxBytes))
	return c, nil
}

// Lookup implements Cache.Lookup
func (c *FileCache) Lookup(key Key) ([]byte, bool) {
	if objectCode, ok := c.hot.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("hot").Inc()
		c.touch(key)
		return objectCode, true
	}

	var objectCode []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(blobsBucket).Get(key[:]); v != nil {
			// v is only valid during the transaction.
			objectCode = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("reading object cache", zap.Stringer("key", key), zap.Error(err))
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	if objectCode == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	c.hot.Add(key, objectCode)
	c.touch(key)
	return objectCode, true
}

// touch marks key as the most recently used entry.
func (c *FileCache) touch(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(blobsBucket).Get(key[:]) == nil {
			return nil
		}
		return c.setLastUse(tx, key)
	})
	if err != nil {
		c.logger.Warn("updating object cache", zap.Stringer("key", key), zap.Error(err))
	}
}

// Insert implements Cache.Insert
func (c *FileCache) Insert(key Key, objectCode []byte) {
	if c.maxBytes > 0 && uint64(len(objectCode)) > c.maxBytes {
		c.logger.Debug("object code larger than the cache",
			zap.Stringer("key", key), zap.Int("bytes", len(objectCode)))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	totalBytes := c.totalBytes
	err := c.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(blobsBucket)
		if old := blobs.Get(key[:]); old != nil {
			c.totalBytes -= uint64(len(old))
		}
		if err := blobs.Put(key[:], objectCode); err != nil {
			return err
		}
		c.totalBytes += uint64(len(objectCode))
		if err := c.setLastUse(tx, key); err != nil {
			return err
		}
		return c.evict(tx)
	})
	if err != nil {
		// The transaction was rolled back.
		c.totalBytes = totalBytes
		c.logger.Warn("writing object cache", zap.Stringer("key", key), zap.Error(err))
		return
	}
	c.hot.Add(key, bytes.Clone(objectCode))
}

// setLastUse moves key to the end of byAge. c.mu must be held.
func (c *FileCache) setLastUse(tx *bolt.Tx, key Key) error {
	lastUse, byAge := tx.Bucket(lastUseBucket), tx.Bucket(byAgeBucket)
	if old := lastUse.Get(key[:]); old != nil {
		if err := byAge.Delete(ageKey(binary.BigEndian.Uint64(old), key)); err != nil {
			return err
		}
	}
	c.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	if err := lastUse.Put(key[:], seq[:]); err != nil {
		return err
	}
	return byAge.Put(ageKey(c.seq, key), nil)
}

// evict deletes the least recently used entries until the total size is
// within the limit. c.mu must be held.
func (c *FileCache) evict(tx *bolt.Tx) error {
	if c.maxBytes == 0 {
		return nil
	}
	blobs, lastUse, byAge := tx.Bucket(blobsBucket), tx.Bucket(lastUseBucket), tx.Bucket(byAgeBucket)
	cursor := byAge.Cursor()
	for k, _ := cursor.First(); k != nil && c.totalBytes > c.maxBytes; k, _ = cursor.First() {
		var key Key
		if len(k) != 8+len(key) {
			return errors.New("corrupt byAge entry")
		}
		copy(key[:], k[8:])
		if v := blobs.Get(key[:]); v != nil {
			c.totalBytes -= uint64(len(v))
		}
		for _, err := range []error{blobs.Delete(key[:]), lastUse.Delete(key[:]), cursor.Delete()} {
			if err != nil {
				return err
			}
		}
		c.hot.Remove(key)
		metrics.CacheEvictions.Inc()
		c.logger.Debug("evicted object code", zap.Stringer("key", key))
	}
	return nil
}

func ageKey(seq uint64, key Key) []byte {
	k := make([]byte, 8, 8+len(key))
	binary.BigEndian.PutUint64(k, seq)
	return append(k, key[:]...)
}

// Size returns the total bytes of object code stored.
func (c *FileCache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Close closes the database. The cache must not be used afterwards.
func (c *FileCache) Close() error {
	c.hot.Purge()
	return c.db.Close()
}
