// internal/protocol/types.go
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WireTimeLayout is the created_at encoding sent to the management server:
// second precision, always UTC with an explicit "Z".
const WireTimeLayout = "2006-01-02T15:04:05Z07:00"

// Machine is the status object returned by the management server
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusUpdate is the body of a status change request
type StatusUpdate struct {
	Status string `json:"status"`
}

// LogEntry is one log line as exchanged with the server
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt Timestamp `json:"created_at"`
}

// Timestamp marshals as WireTimeLayout in UTC and accepts any of the
// layouts a server is likely to send back.
type Timestamp struct {
	time.Time
}

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// String formats the timestamp the way it goes on the wire.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(WireTimeLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}

	t, err := ParseTime(s)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

// ParseTime parses a server timestamp. Values without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
