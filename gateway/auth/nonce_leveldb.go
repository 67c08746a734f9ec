package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNonceStore persists nonce usage so replays are rejected across
// daemon restarts. Each nonce is indexed twice: by identity for lookups and
// by observation time for pruning.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// OpenLevelDBNonceStore opens (or creates) the nonce database at path.
func OpenLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureNonce records a nonce and reports whether it had already been seen.
func (s *LevelDBNonceStore) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("nonce store not configured")
	}
	identity := strings.TrimSpace(record.Identity)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if identity == "" || ts == "" || nonce == "" {
		return false, errors.New("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{identity, ts, nonce}, "|")
	lookup := []byte(nonceKeyPrefix + composite)

	existing, err := s.db.Get(lookup, nil)
	if err == nil {
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			batch := new(leveldb.Batch)
			batch.Put(lookup, encodeUnixNano(next))
			batch.Delete(observedKey(previous, composite))
			batch.Put(observedKey(next, composite), nil)
			if err := s.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("update observed nonce: %w", err)
			}
		}
		return true, nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return false, fmt.Errorf("load nonce: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(lookup, encodeUnixNano(observed.UnixNano()))
	batch.Put(observedKey(observed.UnixNano(), composite), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonces observed at or after cutoff.
func (s *LevelDBNonceStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nonce store not configured")
	}
	iter := s.db.NewIterator(&util.Range{
		Start: observedKey(cutoff.UTC().UnixNano(), ""),
		Limit: util.BytesPrefix([]byte(observedKeyPrefix)).Limit,
	}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			Identity:   parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (s *LevelDBNonceStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("nonce store not configured")
	}
	iter := s.db.NewIterator(&util.Range{
		Start: []byte(observedKeyPrefix),
		Limit: observedKey(cutoff.UTC().UnixNano(), ""),
	}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

// observedKey zero-pads the timestamp so byte order matches time order.
func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
