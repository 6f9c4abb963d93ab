// Package storage defines the Store abstraction for dayslot's durable state:
// the history of scheduling passes, the outbox of updates not yet accepted by
// the host, the dead letters the host refused, and the operator hold list.
//
// The scheduling core never touches the Store; only the dispatcher does, and
// only before or after a pass's in-memory drain.
package storage

import (
	"errors"

	"github.com/snehjoshi/dayslot/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Pass outcomes recorded on PassRecord.Outcome.
const (
	OutcomeOK           = "ok"            // updates accepted by the host
	OutcomeEmpty        = "empty"         // nothing to schedule
	OutcomeFetchFailed  = "fetch_failed"  // host listing failed after retries
	OutcomeSubmitFailed = "submit_failed" // updates parked in the outbox
	OutcomePlanFailed   = "plan_failed"   // the drain could not run
)

// PassRecord is the persisted summary of one scheduling pass.
type PassRecord struct {
	ID     string `json:"id"` // ULID, time-ordered
	NodeID string `json:"node_id"`

	StartedAt  int64 `json:"started_at"` // UTC milliseconds
	FinishedAt int64 `json:"finished_at"`

	MidnightS int64 `json:"midnight_s"`
	NowS      int64 `json:"now_s"`
	IntervalS int64 `json:"interval_s"`

	Fetched     int `json:"fetched"`
	Added       int `json:"added"`
	Replaced    int `json:"replaced"`
	Rejected    int `json:"rejected"`
	Held        int `json:"held"`
	Scheduled   int `json:"scheduled"`
	Deferred    int `json:"deferred"`
	Resubmitted int `json:"resubmitted"`

	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`

	Updates []types.ScheduledUpdate `json:"updates,omitempty"`
}

// OutboxEntry is an update waiting to be accepted by the host.
type OutboxEntry struct {
	PassID string                `json:"pass_id"`
	Update types.ScheduledUpdate `json:"update"`
}

// DeadLetter is an outbox entry the host refused outright. It stays out of
// every pass until replayed.
type DeadLetter struct {
	PassID string                `json:"pass_id"`
	Update types.ScheduledUpdate `json:"update"`
	Reason string                `json:"reason"`
	DeadAt int64                 `json:"dead_at"` // UTC milliseconds
}

// Hold suppresses scheduling of a message until released.
type Hold struct {
	MessageID string `json:"message_id"`
	CreatedAt int64  `json:"created_at"` // UTC milliseconds
}

// Store is the single abstraction through which dayslot state is persisted.
//
// Implementations:
//   - local.Store — single-node, bbolt-backed
//
// All methods must be safe for concurrent use.
type Store interface {
	// SavePass upserts a pass record keyed by its ID.
	SavePass(rec *PassRecord) error

	// GetPass returns the pass with the given ID or ErrNotFound.
	GetPass(id string) (*PassRecord, error)

	// ListPasses returns up to limit records, newest first. limit <= 0 means all.
	ListPasses(limit int) ([]*PassRecord, error)

	// PutOutbox parks updates for later submission. An update for a message
	// already in the outbox replaces it.
	PutOutbox(passID string, updates []types.ScheduledUpdate) error

	// Outbox returns every parked update ordered by message ID.
	Outbox() ([]OutboxEntry, error)

	// ClearOutbox removes the parked updates for the given message IDs.
	ClearOutbox(messageIDs []string) error

	// DeadLetter moves the outbox entries for messageIDs into the dead-letter
	// list in one transaction. IDs not in the outbox are ignored.
	DeadLetter(messageIDs []string, reason string, at int64) error

	// DeadLetters returns every dead letter ordered by message ID.
	DeadLetters() ([]DeadLetter, error)

	// ReplayDeadLetters moves up to limit dead letters back into the outbox
	// and returns them. limit <= 0 means all.
	ReplayDeadLetters(limit int) ([]OutboxEntry, error)

	// PutHold records a hold; holding an already-held message is a no-op.
	PutHold(messageID string, createdAt int64) error

	// DeleteHold removes a hold or returns ErrNotFound.
	DeleteHold(messageID string) error

	// Holds returns every hold ordered by message ID.
	Holds() ([]Hold, error)

	// Close flushes and releases the underlying file.
	Close() error
}
