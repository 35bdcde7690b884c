// internal/syncer/report.go
package syncer

import (
	"fmt"
)

// FailedEntry is a local log row the server rejected or never answered for
type FailedEntry struct {
	ID  int64 `json:"id"`
	Err error `json:"-"`
}

// PushReport is the per-entry outcome of one push. Sent, Failed and
// Unattempted partition the local row ids that were selected for the push.
type PushReport struct {
	RunID       string        `json:"run_id"`
	MachineID   string        `json:"machine_id"`
	Total       int           `json:"total"`
	Sent        []int64       `json:"sent"`
	Failed      []FailedEntry `json:"failed"`
	Unattempted []int64       `json:"unattempted"`
}

func newPushReport(runID, machineID string) *PushReport {
	return &PushReport{
		RunID:       runID,
		MachineID:   machineID,
		Sent:        []int64{},
		Failed:      []FailedEntry{},
		Unattempted: []int64{},
	}
}

// OK reports whether every selected entry was sent
func (r *PushReport) OK() bool {
	return len(r.Sent) == r.Total
}

// Summary is a one-line human readable breakdown
func (r *PushReport) Summary() string {
	return fmt.Sprintf("sent %d of %d, %d failed, %d unattempted",
		len(r.Sent), r.Total, len(r.Failed), len(r.Unattempted))
}

// PartialPushError is returned alongside the report when a push stopped
// early. Unwrap exposes the failing entry's error.
type PartialPushError struct {
	Report *PushReport
	Err    error
}

func (e *PartialPushError) Error() string {
	return fmt.Sprintf("push logs for %s: %s: %v", e.Report.MachineID, e.Report.Summary(), e.Err)
}

func (e *PartialPushError) Unwrap() error {
	return e.Err
}
