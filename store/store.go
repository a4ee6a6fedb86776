// Package store はbboltデータベースにモデルのblobを保存します。
//
// 値はcore/modelのエンベロープ（マジック、バージョン、コーデック、チェックサム）に
// 包まれたまま保存されるため、読み出し時に破損が検出されます。
package store

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/YuminosukeSato/gpboost/boosting"
	coremodel "github.com/YuminosukeSato/gpboost/core/model"
	"github.com/YuminosukeSato/gpboost/pkg/errors"
	"github.com/YuminosukeSato/gpboost/pkg/log"
	"github.com/YuminosukeSato/gpboost/remodel"
)

// DefaultBucket is the bucket used when none is configured.
var DefaultBucket = []byte("models")

// ErrNotFound is returned when a key has no stored blob.
var ErrNotFound = errors.New("store: key not found")

// Store is a bbolt backed key/value store of model blobs. It is safe for
// concurrent use; bbolt serializes writers.
type Store struct {
	db     *bolt.DB
	bucket []byte
	logger log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBucket selects the bucket name.
func WithBucket(name string) Option {
	return func(s *Store) { s.bucket = []byte(name) }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the database file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	s := New(db, opts...)
	return s, nil
}

// New wraps an already opened database.
func New(db *bolt.DB, opts ...Option) *Store {
	s := &Store{db: db, bucket: DefaultBucket}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLoggerWithName("store")
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores blob under key, replacing any previous value.
func (s *Store) Put(key string, blob []byte) error {
	if key == "" {
		return errors.NewValidationError("key", "must not be empty", key)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), blob)
	})
	if err != nil {
		s.logger.Error("Error saving blob", err, "key", key)
		return errors.Wrapf(err, "store: put %s", key)
	}
	return nil
}

// Get returns a copy of the blob stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		// bbolt only guarantees v for the lifetime of the transaction
		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: get %s", key)
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists stored keys in byte order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// SaveModel stores the state of a random effects model.
func (s *Store) SaveModel(key string, m *remodel.Model, codec coremodel.Codec) error {
	blob, err := m.MarshalState(codec)
	if err != nil {
		return err
	}
	if err := s.Put(key, blob); err != nil {
		return err
	}
	s.logger.Debug("Saved model", "key", key, "bytes", len(blob), "codec", codec.String())
	return nil
}

// LoadModel restores a random effects model saved with SaveModel.
func (s *Store) LoadModel(key string, opts ...remodel.Option) (*remodel.Model, error) {
	blob, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return remodel.UnmarshalState(blob, opts...)
}

// SaveBooster stores a booster together with its random effects model.
func (s *Store) SaveBooster(key string, b *boosting.Booster, codec coremodel.Codec) error {
	var buf bytes.Buffer
	if err := b.SaveModel(&buf, codec); err != nil {
		return err
	}
	return s.Put(key, buf.Bytes())
}

// LoadBooster restores a booster saved with SaveBooster.
func (s *Store) LoadBooster(key string, opts ...remodel.Option) (*boosting.Booster, error) {
	blob, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return boosting.LoadModel(bytes.NewReader(blob), opts...)
}
