// Package storage is a small typed key value store on nutsdb. Values are
// stored as JSON.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/nutsdb/nutsdb"
)

var (
	json = jsoniter.ConfigFastest
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
)

var ErrNotFound = errors.New("key not found")

const bucket = "kv"

// markerKey is written on open so the bucket is never empty.
var markerKey = []byte("\x00storage")

type Storage[T any] struct {
	db *nutsdb.DB
}

func Open[T any](dir string) (*Storage[T], error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
	)
	if err != nil {
		return nil, fmt.Errorf("opening kv store in %s: %w", dir, err)
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.NewKVBucket(bucket)
	})
	log.WithError(err).Debug("creating kv bucket", "dir", dir)
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, markerKey, []byte{1}, 0)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising kv store in %s: %w", dir, err)
	}
	return &Storage[T]{db: db}, nil
}

func (s *Storage[T]) Close() error {
	return s.db.Close()
}

func (s *Storage[T]) Set(k string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	log.Trace("storing", "key", k)
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(k), b, 0)
	})
}

func (s *Storage[T]) Get(k string) (v T, err error) {
	var data []byte
	err = s.db.View(func(tx *nutsdb.Tx) error {
		data, err = get(tx, k)
		return err
	})
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &v)
	return
}

func get(tx *nutsdb.Tx, k string) ([]byte, error) {
	data, err := tx.Get(bucket, []byte(k))
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, k)
	}
	return data, err
}

// Update reads and writes k in one transaction. f gets the stored value and
// whether there was one, and returns the value to store and whether to store
// it at all.
func (s *Storage[T]) Update(k string, f func(stored T, found bool) (T, bool, error)) error {
	return s.db.Update(func(tx *nutsdb.Tx) error {
		var stored T
		data, err := get(tx, k)
		found := err == nil
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			if err = json.Unmarshal(data, &stored); err != nil {
				return err
			}
		}
		v, write, err := f(stored, found)
		if err != nil || !write {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Put(bucket, []byte(k), b, 0)
	})
}

func (s *Storage[T]) Delete(k string) error {
	log.Trace("deleting", "key", k)
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(bucket, []byte(k))
	})
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil
	}
	return err
}

// SetUInt64 stores v under k unless a larger value is stored already.
func (s *Storage[T]) SetUInt64(k string, v uint64) error {
	return s.db.Update(func(tx *nutsdb.Tx) error {
		data, err := get(tx, k)
		if err == nil && len(data) == 8 && binary.LittleEndian.Uint64(data) > v {
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Put(bucket, []byte(k), binary.LittleEndian.AppendUint64(nil, v), 0)
	})
}

// GetUInt64 returns 0 for a key that was never set.
func (s *Storage[T]) GetUInt64(k string) (v uint64, err error) {
	var data []byte
	err = s.db.View(func(tx *nutsdb.Tx) error {
		data, err = get(tx, k)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("value of %q is %d bytes, not a uint64", k, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Range yields every value that decodes as T. Values that do not, such as
// counters written with SetUInt64, are skipped.
func (s *Storage[T]) Range() iter.Seq2[string, T] {
	var keys [][]byte
	var values [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		var err error
		keys, values, err = tx.GetAll(bucket)
		return err
	})
	log.WithError(err).Error("getting values for range")
	return func(yield func(string, T) bool) {
		for i := range keys {
			if string(keys[i]) == string(markerKey) {
				continue
			}
			var v T
			if json.Unmarshal(values[i], &v) != nil {
				log.Trace("skipping value in range", "key", string(keys[i]))
				continue
			}
			if !yield(string(keys[i]), v) {
				return
			}
		}
	}
}
