// Package job coordinates background refresh runs and exposes their state.
package job

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/maintops/internal/refresh"
)

// Status is the lifecycle phase of the refresh job.
type Status string

// Job statuses.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Step labels and messages set by the coordinator itself.
const (
	stepInitializing = "Inicializando"
	stepFinished     = "Finalizado"
	msgRunning       = "Proceso en curso"
	msgOK            = "OK"
)

// timestampLayout is ISO-8601 at seconds precision, without zone.
const timestampLayout = "2006-01-02T15:04:05"

// Timestamp marshals as a seconds-precision ISO-8601 local time.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to whole seconds.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.Truncate(time.Second)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "job: decode timestamp")
	}
	parsed, err := time.ParseInLocation(timestampLayout, s, time.Local)
	if err != nil {
		return eris.Wrapf(err, "job: parse timestamp %q", s)
	}
	t.Time = parsed
	return nil
}

// State is a snapshot of the refresh job.
type State struct {
	Status     Status          `json:"status"`
	Message    *string         `json:"mensaje"`
	Result     *refresh.Result `json:"resultado"`
	StartedAt  *Timestamp      `json:"ultimo_inicio"`
	FinishedAt *Timestamp      `json:"ultimo_fin"`
	Duration   *float64        `json:"duracion_seg"`
	Progress   int             `json:"progreso"`
	Step       *string         `json:"paso"`
	Heartbeat  *Timestamp      `json:"heartbeat"`
	Traceback  *string         `json:"traceback"`
}

// idleState is the state after construction and after Reset.
func idleState() State {
	return State{Status: StatusIdle}
}

// clone returns a deep copy so callers never share pointers with the
// coordinator's live state.
func (s State) clone() State {
	out := s
	out.Message = copyPtr(s.Message)
	out.StartedAt = copyPtr(s.StartedAt)
	out.FinishedAt = copyPtr(s.FinishedAt)
	out.Duration = copyPtr(s.Duration)
	out.Step = copyPtr(s.Step)
	out.Heartbeat = copyPtr(s.Heartbeat)
	out.Traceback = copyPtr(s.Traceback)
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
