package syncer

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
)

// Reason names what started a sync pass.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonTimer      Reason = "timer"
	ReasonForeground Reason = "foreground"
	ReasonBackground Reason = "background"
	ReasonPoll       Reason = "poll"
)

// PollingDirective is the server's request for follow-up passes.
type PollingDirective struct {
	ShouldPoll bool          `json:"should_poll"`
	RetryDelay time.Duration `json:"retry_delay_ns"`
	RetryTimes int           `json:"retry_times"`
}

// Collector uploads one session. A returned error leaves the session on disk
// for the next pass.
type Collector interface {
	UploadSession(ctx context.Context, s session.Session, events []event.Event) (PollingDirective, error)
}

// CredentialSource yields the credential that authorizes uploads.
type CredentialSource interface {
	Current(ctx context.Context) (*credential.Credential, error)
}

// SessionSource hands out sealed sessions and deletes them once uploaded.
// *session.Store and session.Archive implement it.
type SessionSource interface {
	Generator(opts session.GeneratorOptions) *session.Generator
	RemoveSessionDir(dir string) error
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
