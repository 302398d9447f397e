package journal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"nnschain/core/types"
)

const eventKeyPrefix = "event:"

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, seq))
}

func (j *Journal) loadEventSequence() error {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()
	if iter.Last() {
		seq, ok := parseCounterKey(eventKeyPrefix, iter.Key())
		if !ok {
			return fmt.Errorf("journal: corrupt event key %q", iter.Key())
		}
		j.eventSeq = seq + 1
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan journal events: %w", err)
	}
	return nil
}

// EventCount returns the number of events appended so far.
func (j *Journal) EventCount() uint64 {
	if j == nil {
		return 0
	}
	return j.eventSeq
}

// AppendEvents writes the events of one committed call in a single batch.
func (j *Journal) AppendEvents(evts []types.Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if len(evts) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for i, evt := range evts {
		encoded, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		batch.Put(eventKey(j.eventSeq+uint64(i)), encoded)
	}
	if err := j.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record events: %w", err)
	}
	j.eventSeq += uint64(len(evts))
	return nil
}

// Events returns stored events oldest first. A non-empty eventType filters
// by type; a positive limit keeps only the newest matching entries.
func (j *Journal) Events(eventType string, limit int) ([]types.Event, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	filter := strings.TrimSpace(eventType)
	iter := j.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()

	out := make([]types.Event, 0)
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var evt types.Event
		if err := json.Unmarshal(iter.Value(), &evt); err != nil {
			return nil, fmt.Errorf("decode event %q: %w", iter.Key(), err)
		}
		if filter != "" && evt.Type != filter {
			continue
		}
		if evt.Attributes == nil {
			evt.Attributes = map[string]string{}
		}
		out = append(out, evt)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}
