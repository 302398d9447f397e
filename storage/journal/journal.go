package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"nnschain/crypto"
)

const (
	settlementKeyPrefix = "settlement:"
	sequenceKeyPrefix   = "seq:"
)

var (
	// ErrNotFound is returned when no record exists for a bid.
	ErrNotFound = errors.New("journal: record not found")
	// ErrDuplicate is returned when a bid already has a settlement record.
	ErrDuplicate = errors.New("journal: settlement already recorded")
)

// Record is the audit entry written for every completed settlement.
type Record struct {
	BidID       uint64
	TokenID     string
	Claimer     [20]byte
	OriginOwner [20]byte
	Paid        *big.Int
	OwnerPayout *big.Int
	Refund      *big.Int
	SettledAt   time.Time
}

type storedRecord struct {
	BidID       uint64    `json:"bidId"`
	TokenID     string    `json:"tokenId"`
	Claimer     string    `json:"claimer"`
	OriginOwner string    `json:"originOwner"`
	Paid        string    `json:"paid"`
	OwnerPayout string    `json:"ownerPayout"`
	Refund      string    `json:"refund"`
	SettledAt   time.Time `json:"settledAt"`
}

// Journal is an append-only LevelDB log of settlements, indexed by bid id
// and by insertion order, together with the committed ledger events.
type Journal struct {
	db       *leveldb.DB
	seq      uint64
	eventSeq uint64
}

// Open opens (or creates) a journal at the provided directory.
func Open(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return newJournal(db)
}

// OpenMemory opens a journal that lives only in memory.
func OpenMemory() (*Journal, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory journal: %w", err)
	}
	return newJournal(db)
}

func newJournal(db *leveldb.DB) (*Journal, error) {
	j := &Journal{db: db}
	iter := db.NewIterator(util.BytesPrefix([]byte(sequenceKeyPrefix)), nil)
	defer iter.Release()
	if iter.Last() {
		seq, ok := parseCounterKey(sequenceKeyPrefix, iter.Key())
		if !ok {
			_ = db.Close()
			return nil, fmt.Errorf("journal: corrupt sequence key %q", iter.Key())
		}
		j.seq = seq + 1
	}
	if err := iter.Error(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	if err := j.loadEventSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close releases the underlying LevelDB resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Len returns the number of records appended so far.
func (j *Journal) Len() uint64 {
	if j == nil {
		return 0
	}
	return j.seq
}

// Append writes a settlement record. Each bid can be recorded once.
func (j *Journal) Append(rec Record) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	key := settlementKey(rec.BidID)
	if ok, err := j.db.Has(key, nil); err != nil {
		return fmt.Errorf("check settlement: %w", err)
	} else if ok {
		return fmt.Errorf("%w: bid %d", ErrDuplicate, rec.BidID)
	}
	encoded, err := json.Marshal(toStored(rec))
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(key, encoded)
	batch.Put(sequenceKey(j.seq), encodeUint64(rec.BidID))
	if err := j.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	j.seq++
	return nil
}

// Get returns the settlement record for the bid.
func (j *Journal) Get(bidID uint64) (*Record, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	data, err := j.db.Get(settlementKey(bidID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("load settlement: %w", err)
	}
	return decodeRecord(data)
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	if limit <= 0 {
		return []Record{}, nil
	}
	iter := j.db.NewIterator(util.BytesPrefix([]byte(sequenceKeyPrefix)), nil)
	defer iter.Release()

	records := make([]Record, 0, limit)
	for ok := iter.Last(); ok && len(records) < limit; ok = iter.Prev() {
		if len(iter.Value()) != 8 {
			continue
		}
		rec, err := j.Get(binary.BigEndian.Uint64(iter.Value()))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return records, nil
}

func toStored(rec Record) storedRecord {
	return storedRecord{
		BidID:       rec.BidID,
		TokenID:     rec.TokenID,
		Claimer:     crypto.FormatAccount(rec.Claimer),
		OriginOwner: crypto.FormatAccount(rec.OriginOwner),
		Paid:        amountString(rec.Paid),
		OwnerPayout: amountString(rec.OwnerPayout),
		Refund:      amountString(rec.Refund),
		SettledAt:   rec.SettledAt.UTC(),
	}
}

func decodeRecord(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	claimer, err := crypto.ParseAccount(stored.Claimer)
	if err != nil {
		return nil, fmt.Errorf("decode settlement claimer: %w", err)
	}
	owner, err := crypto.ParseAccount(stored.OriginOwner)
	if err != nil {
		return nil, fmt.Errorf("decode settlement owner: %w", err)
	}
	rec := &Record{
		BidID:       stored.BidID,
		TokenID:     stored.TokenID,
		Claimer:     claimer,
		OriginOwner: owner,
		SettledAt:   stored.SettledAt,
	}
	if rec.Paid, err = parseAmount(stored.Paid); err != nil {
		return nil, err
	}
	if rec.OwnerPayout, err = parseAmount(stored.OwnerPayout); err != nil {
		return nil, err
	}
	if rec.Refund, err = parseAmount(stored.Refund); err != nil {
		return nil, err
	}
	return rec, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("journal: invalid amount %q", raw)
	}
	return v, nil
}

func settlementKey(bidID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", settlementKeyPrefix, bidID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", sequenceKeyPrefix, seq))
}

func parseCounterKey(prefix string, key []byte) (uint64, bool) {
	raw := strings.TrimPrefix(string(key), prefix)
	if len(raw) != 20 {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
