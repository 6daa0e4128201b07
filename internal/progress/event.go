// Package progress defines the event structures emitted by the drain pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StagePageFetched Stage = "PAGE_FETCHED"
	StageBatchCommit Stage = "BATCH_COMMITTED"
	StageThrottled   Stage = "THROTTLED"
	StageCursorReset Stage = "CURSOR_RESET"
)

// Event captures a single milestone of ingestion progress.
type Event struct {
	// RunID uniquely identifies one drain run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Cursor is the cursor the page was fetched with; empty means start
	// of stream.
	Cursor string
	// Events counts records on the page or in the committed batch.
	Events int64
	// Inserted counts rows newly written by a batch commit.
	Inserted int64
	// Duplicates counts rows skipped by a batch commit.
	Duplicates int64
	// TotalEstimate carries the upstream's best-effort total record count.
	TotalEstimate int64
	// Dur captures latency: fetch or commit time, run wall time, or the
	// throttle delay imposed on THROTTLED events.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StagePageFetched, StageCursorReset:
	case StageBatchCommit:
		if e.Inserted+e.Duplicates != e.Events {
			return fmt.Errorf("batch commit counts disagree: %d inserted + %d duplicate != %d events",
				e.Inserted, e.Duplicates, e.Events)
		}
	case StageThrottled:
		if e.Dur <= 0 {
			return errors.New("throttled requires the imposed delay")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for display.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
