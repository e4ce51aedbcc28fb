package ledger

import (
	"encoding/json"
	"time"
)

// AttendanceKind distinguishes check-in from check-out events.
type AttendanceKind string

const (
	CheckIn  AttendanceKind = "check_in"
	CheckOut AttendanceKind = "check_out"
)

// AttendanceRecord is the payload of an attendance mutation. Verification
// metadata is kept so the remote authority can audit how the event was
// accepted.
type AttendanceRecord struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	StudentID  string         `json:"studentId"`
	Kind       AttendanceKind `json:"kind"`
	Confidence float64        `json:"confidence"`
	GPSMatch   bool           `json:"gpsMatch"`
	Liveness   bool           `json:"liveness"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// Session is a class session whose attendance the device records.
type Session struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"orgId"`
	Name            string     `json:"name"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	ParentsNotified bool       `json:"parentsNotified"`
}

// Ended reports whether the session has finished.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// DecodeAttendance unmarshals an attendance mutation payload.
func DecodeAttendance(m *Mutation) (*AttendanceRecord, error) {
	var rec AttendanceRecord
	if err := json.Unmarshal(m.Payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
