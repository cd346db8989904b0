package store

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/logger"
	"github.com/ayusman/framelens/internal/overlay"
)

// DefaultJournalQueue is the number of cycles buffered ahead of the writer.
const DefaultJournalQueue = 64

// Journal records published overlay states as cycles of one session. It is an
// overlay.Renderer whose OnOverlayUpdated never blocks: when the writer falls
// behind, new cycles are dropped and counted.
type Journal struct {
	cycles    *CycleRepository
	sessionID string
	queue     chan Cycle
	log       zerolog.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewJournal creates a journal for sessionID. Run must be started to write.
func NewJournal(s *Store, sessionID string, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultJournalQueue
	}
	return &Journal{
		cycles:    s.Cycles(),
		sessionID: sessionID,
		queue:     make(chan Cycle, queueSize),
		log:       logger.For("Journal"),
	}
}

// SessionID returns the session this journal writes to.
func (j *Journal) SessionID() string {
	return j.sessionID
}

// OnOverlayUpdated queues st for writing.
func (j *Journal) OnOverlayUpdated(st overlay.State) {
	select {
	case j.queue <- CycleFromState(j.sessionID, st):
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn().Str("session_id", j.sessionID).Msg("journal queue full, dropping cycles")
		}
	}
}

// Run writes queued cycles until ctx is cancelled, then flushes what is
// already buffered.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return nil
		case c := <-j.queue:
			j.write(c)
		}
	}
}

func (j *Journal) flush() {
	for {
		select {
		case c := <-j.queue:
			j.write(c)
		default:
			return
		}
	}
}

func (j *Journal) write(c Cycle) {
	if err := j.cycles.Create(&c); err != nil {
		j.failed.Add(1)
		j.log.Error().Err(err).Uint64("generation", uint64(c.Generation)).Msg("failed to record cycle")
		return
	}
	j.written.Add(1)
}

// JournalStats counts journal outcomes.
type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns a snapshot of the counters.
func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}
