// Package session records events into on-disk sessions and hands sealed
// sessions to the uploader.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
)

// Session is a bounded run of app usage. Events are kept out of the
// metadata file and only filled in when a session is read for upload.
type Session struct {
	ID             string                 `json:"id"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	UserProperties map[string]event.Value `json:"user_properties,omitempty"`
	DeviceContext  map[string]event.Value `json:"device_context,omitempty"`
	Events         []event.Event          `json:"events,omitempty"`
}

// newSession starts a session at now with a time-ordered ID.
func newSession(now time.Time, props, device map[string]event.Value) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             id.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
		UserProperties: copyValues(props),
		DeviceContext:  copyValues(device),
	}, nil
}

// Sealed reports whether the session has ended.
func (s *Session) Sealed() bool { return s.EndedAt != nil }

// seal ends the session at its last update.
func (s *Session) seal() {
	if s.EndedAt != nil {
		return
	}
	end := s.UpdatedAt
	s.EndedAt = &end
}

// metadata returns a copy suitable for the metadata file.
func (s *Session) metadata() Session {
	cp := *s
	cp.Events = nil
	cp.UserProperties = copyValues(s.UserProperties)
	cp.DeviceContext = copyValues(s.DeviceContext)
	if s.EndedAt != nil {
		end := *s.EndedAt
		cp.EndedAt = &end
	}
	return cp
}

func copyValues(m map[string]event.Value) map[string]event.Value {
	if len(m) == 0 {
		return nil
	}
	cp := make(map[string]event.Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
