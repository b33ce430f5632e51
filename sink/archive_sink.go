package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"roomlab/domain/event"
	"roomlab/repositories"
)

// ArchiveSink records sequenced events (mutations, chat) to the audit
// archive. It decouples the session goroutine from badger writes with its
// own queue and drain worker: archiving is best-effort and must never
// slow a session down, so a full queue drops with a warning.
type ArchiveSink struct {
	repository repositories.IArchiveRepository
	log        *slog.Logger
	queue      chan event.Event
}

func NewArchiveSink(repository repositories.IArchiveRepository, log *slog.Logger, buffer int) *ArchiveSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ArchiveSink{
		repository: repository,
		log:        log,
		queue:      make(chan event.Event, buffer),
	}
}

// Consume enqueues sequenced events only; everything else is ignored.
func (a *ArchiveSink) Consume(_ context.Context, e event.Event) error {
	if _, ok := e.(event.Sequenced); !ok {
		return nil
	}
	select {
	case a.queue <- e:
	default:
		a.log.Warn("Archive queue full, dropping event", "project", e.ProjectID())
	}
	return nil
}

// Run drains the queue until the context ends. Store failures are logged
// and skipped; the archive never crashes a worker permanently.
func (a *ArchiveSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case e := <-a.queue:
			a.store(e)
		}
	}
}

func (a *ArchiveSink) drain() {
	for {
		select {
		case e := <-a.queue:
			a.store(e)
		default:
			return
		}
	}
}

func (a *ArchiveSink) store(e event.Event) {
	record, err := toRecord(e)
	if err != nil {
		a.log.Warn("Skipping unarchivable event", "error", err)
		return
	}
	if err := a.repository.Store(record); err != nil {
		a.log.Error("Failed to archive event",
			"project", record.Project,
			"sequence", record.Sequence,
			"error", err)
	}
}

func toRecord(e event.Event) (repositories.ArchiveRecord, error) {
	switch evt := e.(type) {
	case event.MutationApplied:
		payload, err := json.Marshal(mutationPayload(evt))
		if err != nil {
			return repositories.ArchiveRecord{}, err
		}
		return repositories.ArchiveRecord{
			ID:       uuid.New(),
			Project:  string(evt.Project),
			Kind:     string(evt.Mutation.Kind),
			Sequence: evt.Sequence,
			Origin:   evt.Origin,
			Payload:  payload,
			At:       evt.At,
		}, nil
	case event.ChatPosted:
		payload, err := json.Marshal(chatPayload(evt))
		if err != nil {
			return repositories.ArchiveRecord{}, err
		}
		return repositories.ArchiveRecord{
			ID:       evt.ID,
			Project:  string(evt.Project),
			Kind:     "chat",
			Sequence: evt.Sequence,
			Origin:   evt.UserID,
			Payload:  payload,
			At:       evt.At,
		}, nil
	default:
		return repositories.ArchiveRecord{}, fmt.Errorf("no archive mapping for %T", e)
	}
}

type archivedMutation struct {
	ElementID string         `json:"element_id,omitempty"`
	X         float64        `json:"x,omitempty"`
	Y         float64        `json:"y,omitempty"`
	ItemKind  string         `json:"item_kind,omitempty"`
	Rotation  float64        `json:"rotation,omitempty"`
	Patch     map[string]any `json:"patch,omitempty"`
}

func mutationPayload(evt event.MutationApplied) archivedMutation {
	m := evt.Mutation
	out := archivedMutation{ElementID: m.ElementID, X: m.X, Y: m.Y, Patch: m.Patch}
	if m.Item != nil {
		out.ElementID = m.Item.ElementID
		out.ItemKind = m.Item.Kind
		out.X = m.Item.X
		out.Y = m.Item.Y
		out.Rotation = m.Item.Rotation
	}
	return out
}

type archivedChat struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

func chatPayload(evt event.ChatPosted) archivedChat {
	return archivedChat{Username: evt.Username, Text: evt.Text, At: evt.At}
}
