package repositories

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, limit *int) ArchiveRepository {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewArchiveRepository(db, slog.Default(), limit)
}

func record(project string, seq uint64, kind string) ArchiveRecord {
	payload, _ := json.Marshal(map[string]any{"seq": seq})
	return ArchiveRecord{
		ID:       uuid.New(),
		Project:  project,
		Kind:     kind,
		Sequence: seq,
		Origin:   "alice",
		Payload:  payload,
		At:       time.Now().UTC(),
	}
}

func TestArchiveRepository_RecentNewestFirst(t *testing.T) {
	req := require.New(t)
	repo := newTestArchive(t, nil)

	for seq := uint64(1); seq <= 5; seq++ {
		req.NoError(repo.Store(record("apartment_7", seq, "mutation")))
	}
	// Another project must stay invisible to the scan
	req.NoError(repo.Store(record("loft_2", 1, "chat")))

	records, _, err := repo.Recent("apartment_7", nil)
	req.NoError(err)
	req.Len(records, 5)

	for i, r := range records {
		req.Equal(uint64(5-i), r.Sequence)
		req.Equal("apartment_7", r.Project)
	}
}

func TestArchiveRepository_Pagination(t *testing.T) {
	req := require.New(t)
	limit := 2
	repo := newTestArchive(t, &limit)

	for seq := uint64(1); seq <= 5; seq++ {
		req.NoError(repo.Store(record("apartment_7", seq, "mutation")))
	}

	// First page: the two newest
	page, cursor, err := repo.Recent("apartment_7", nil)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(5), page[0].Sequence)
	req.Equal(uint64(4), page[1].Sequence)
	req.NotNil(cursor)

	// Second page resumes past the previous last record
	page, cursor, err = repo.Recent("apartment_7", cursor)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(3), page[0].Sequence)
	req.Equal(uint64(2), page[1].Sequence)

	// Final page
	page, _, err = repo.Recent("apartment_7", cursor)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(uint64(1), page[0].Sequence)
}

func TestArchiveRepository_EmptyProject(t *testing.T) {
	req := require.New(t)
	repo := newTestArchive(t, nil)

	records, _, err := repo.Recent("nowhere", nil)
	req.NoError(err)
	req.Empty(records)
}
