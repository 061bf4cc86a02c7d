package poll

import (
	"encoding/json"
	"time"

	"halbooking-notifier/notify"
)

// StageStatus is the result of one stage of a cycle.
type StageStatus int

const (
	StageSkipped StageStatus = iota
	StageOK
	StageFailed
)

func (s StageStatus) String() string {
	switch s {
	case StageOK:
		return "ok"
	case StageFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// StageResult records how a stage ended and, on failure, why.
type StageResult struct {
	Status StageStatus
	Err    error
}

func stageOK() StageResult {
	return StageResult{Status: StageOK}
}

func stageFailed(err error) StageResult {
	return StageResult{Status: StageFailed, Err: err}
}

// MarshalJSON renders the result with the error as text.
func (r StageResult) MarshalJSON() ([]byte, error) {
	v := struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}{Status: r.Status.String()}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return json.Marshal(v)
}

// Outcome summarizes one cycle. It is published for the HTTP surface and never persisted.
type Outcome struct {
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	CycleID  string        `json:"cycle_id"`
	Fetch    StageResult   `json:"fetch"`
	Extract  StageResult   `json:"extract"`
	Notify   StageResult   `json:"notify"`
	Persist  StageResult   `json:"persist"`
	Duration time.Duration `json:"duration_ns"`
	Fetched  int           `json:"fetched"`
	Dropped  int           `json:"dropped"`
	New      int           `json:"new"`
	Dispatch notify.Class  `json:"dispatch"`
	Seeded   bool          `json:"seeded,omitempty"`
}

// Failed reports whether the cycle learned nothing because fetch or extraction failed.
func (o Outcome) Failed() bool {
	return o.Fetch.Status == StageFailed || o.Extract.Status == StageFailed
}
