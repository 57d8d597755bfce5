package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
	keyHead       = []byte("head")
)

var (
	// ErrDuplicateSeq is returned when a sequence number is already journaled
	ErrDuplicateSeq = errors.New("events: duplicate sequence number")

	// ErrChainBroken is returned by Verify when a digest does not match its predecessor
	ErrChainBroken = errors.New("events: journal digest chain broken")
)

// StoredRecord is the persisted form of a Record. Digest chains every entry to the previous one
// and covers every other field: keccak256(prevDigest || seq || contract || name || emittedAt || payload).
type StoredRecord struct {
	Seq       uint64          `json:"seq"`
	Contract  common.Address  `json:"contract"`
	Name      string          `json:"name"`
	EmittedAt time.Time       `json:"emittedAt"`
	Payload   json.RawMessage `json:"payload"`
	Digest    common.Hash     `json:"digest"`
}

// Journal persists records in a bbolt database
type Journal struct {
	db *bbolt.DB
	mu sync.Mutex
}

// OpenJournal opens or creates the journal at path. The parent directory is created if needed.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("events: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("events: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("events: create buckets: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database
func (j *Journal) Close() error { return j.db.Close() }

// Append persists rec and advances the digest chain
func (j *Journal) Append(rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", rec.Name, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		meta := tx.Bucket(bucketMeta)

		key := seqKey(rec.Seq)
		if records.Get(key) != nil {
			return fmt.Errorf("%w: %d", ErrDuplicateSeq, rec.Seq)
		}

		var head common.Hash
		if raw := meta.Get(keyHead); raw != nil {
			head = common.BytesToHash(raw)
		}

		stored := StoredRecord{
			Seq:       rec.Seq,
			Contract:  rec.Contract,
			Name:      rec.Name,
			EmittedAt: rec.EmittedAt,
			Payload:   payload,
		}
		stored.Digest = chainDigest(head, &stored)
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put(key, data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		return meta.Put(keyHead, stored.Digest.Bytes())
	})
}

// Subscriber adapts the journal to Log.Subscribe. Persistence failures are logged, the
// in-memory log stays authoritative.
func (j *Journal) Subscriber() Subscriber {
	return func(rec Record) {
		if err := j.Append(rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"seq":   rec.Seq,
				"event": rec.Name,
			}).Errorf("Failed to journal event: %v", err)
		}
	}
}

// Load returns every stored record in sequence order
func (j *Journal) Load() ([]StoredRecord, error) {
	var out []StoredRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec StoredRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("events: load journal: %w", err)
	}
	return out, nil
}

// Head returns the digest of the latest record, zero if empty
func (j *Journal) Head() (common.Hash, error) {
	var head common.Hash
	err := j.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get(keyHead); raw != nil {
			head = common.BytesToHash(raw)
		}
		return nil
	})
	return head, err
}

// Verify recomputes the digest chain over the whole journal
func (j *Journal) Verify() error {
	records, err := j.Load()
	if err != nil {
		return err
	}
	var prev common.Hash
	for _, rec := range records {
		if want := chainDigest(prev, &rec); want != rec.Digest {
			return fmt.Errorf("%w at seq %d", ErrChainBroken, rec.Seq)
		}
		prev = rec.Digest
	}
	return nil
}

// chainDigest hashes rec without its own Digest field. Variable-length fields are length-prefixed.
func chainDigest(prev common.Hash, rec *StoredRecord) common.Hash {
	var fixed [8 + 8 + 8 + 4]byte
	binary.BigEndian.PutUint64(fixed[0:8], rec.Seq)
	binary.BigEndian.PutUint64(fixed[8:16], uint64(len(rec.Name)))
	binary.BigEndian.PutUint64(fixed[16:24], uint64(rec.EmittedAt.Unix()))
	binary.BigEndian.PutUint32(fixed[24:28], uint32(rec.EmittedAt.Nanosecond()))
	return crypto.Keccak256Hash(
		prev.Bytes(),
		fixed[:],
		rec.Contract.Bytes(),
		[]byte(rec.Name),
		rec.Payload,
	)
}

// seqKey encodes a sequence number as an 8-byte big-endian key for sorted storage
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
