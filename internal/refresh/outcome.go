package refresh

import (
	"errors"
	"fmt"
)

// Kind classifies what happened to one record during a sweep.
type Kind int

const (
	Updated Kind = iota
	Unchanged
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage names the step of record processing an outcome was decided in.
type Stage string

const (
	StageDecode Stage = "decode"
	StageFetch  Stage = "fetch"
	StageMerge  Stage = "merge"
	StageEncode Stage = "encode"
	StageWrite  Stage = "write"
)

// Outcome is the result of processing one record. Reason is set for Skipped, Err for Failed.
type Outcome struct {
	Key    string
	Kind   Kind
	Stage  Stage
	Reason string
	Err    error
}

func updated(key string) Outcome   { return Outcome{Key: key, Kind: Updated, Stage: StageWrite} }
func unchanged(key string) Outcome { return Outcome{Key: key, Kind: Unchanged, Stage: StageMerge} }

func skipped(key string, stage Stage, reason string) Outcome {
	return Outcome{Key: key, Kind: Skipped, Stage: stage, Reason: reason}
}

func failed(key string, stage Stage, err error) Outcome {
	return Outcome{Key: key, Kind: Failed, Stage: stage, Err: err}
}

// StoreError wraps a failed call to the record store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// ErrShutdown is returned by Sweep when the context was cancelled before the sweep finished.
var ErrShutdown = errors.New("refresh engine shutting down")

// Tally counts outcomes for a page or a sweep.
type Tally struct {
	Processed int
	Updated   int
	Unchanged int
	Skipped   int
	Failed    int
}

func (t *Tally) Add(o Outcome) {
	t.Processed++
	switch o.Kind {
	case Updated:
		t.Updated++
	case Unchanged:
		t.Unchanged++
	case Skipped:
		t.Skipped++
	case Failed:
		t.Failed++
	}
}

func (t *Tally) Merge(other Tally) {
	t.Processed += other.Processed
	t.Updated += other.Updated
	t.Unchanged += other.Unchanged
	t.Skipped += other.Skipped
	t.Failed += other.Failed
}
