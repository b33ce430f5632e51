package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// IArchiveRepository persists the sequenced events of all sessions for
// audit and inspection. The archive is write-only from the engine's point
// of view: a fresh session always starts with an empty chat history, the
// archive is never replayed into it.
type IArchiveRepository interface {
	Store(record ArchiveRecord) error
	Recent(project string, cursor *string) ([]ArchiveRecord, *string, error)
}

type ArchiveRepository struct {
	db    *badger.DB
	log   *slog.Logger
	limit *int
}

func NewArchiveRepository(db *badger.DB, log *slog.Logger, limit *int) ArchiveRepository {
	return ArchiveRepository{db: db, log: log, limit: limit}
}

// ArchiveRecord is one sequenced event: a chat message or a design
// mutation, with its payload kept as raw JSON.
type ArchiveRecord struct {
	ID       uuid.UUID       `json:"id"`
	Project  string          `json:"project"`
	Kind     string          `json:"kind"`
	Sequence uint64          `json:"sequence"`
	Origin   string          `json:"origin"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// Store persists a record. The key is "evt:{project}:{sequence_padded}:{uuid}":
//  1. 19-digit zero padding keeps keys in sequence order lexicographically.
//  2. The UUID disambiguates should two sessions of the same project ever
//     reuse a sequence number after a teardown.
func (r ArchiveRepository) Store(record ArchiveRecord) error {
	key := fmt.Sprintf("evt:%s:%019d:%s", record.Project, record.Sequence, record.ID)
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Recent returns records for a project, newest first, using a reverse
// prefix scan. The returned cursor resumes a paginated walk; pass it back
// to continue past the last record of the previous page.
func (r ArchiveRepository) Recent(project string, cursor *string) ([]ArchiveRecord, *string, error) {
	var raw [][]byte
	var lastKey string
	err := r.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("evt:%s:", project)
		prefix := []byte(prefixStr)
		prefixLen := len(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the highest possible sequence, then walk backwards.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if r.limit != nil && len(raw) == *r.limit {
				r.log.Debug(fmt.Sprintf("Maximum of %d records reached", *r.limit))
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[prefixLen:])
			err := item.Value(func(value []byte) error {
				raw = append(raw, append([]byte(nil), value...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	records := make([]ArchiveRecord, 0, len(raw))
	for _, b := range raw {
		var record ArchiveRecord
		if err = json.Unmarshal(b, &record); err != nil {
			return nil, nil, err
		}
		records = append(records, record)
	}
	return records, &lastKey, nil
}
