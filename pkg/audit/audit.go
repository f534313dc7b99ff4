package audit

import (
	"context"
	"time"
)

// Event is one authorization decision worth keeping. Events are recorded
// after the decision is made and never influence it.
type Event struct {
	Timestamp time.Time
	Command   string
	Username  string
	CredName  string
	PeerDN    string
	Method    string
	Allowed   bool
	Detail    string
}

// Recorder persists events. Recording is best effort; a failing recorder
// must not fail the request it describes.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

type nop struct{}

// NewNop returns a Recorder that drops everything, used when auditing is
// not configured.
func NewNop() Recorder {
	return nop{}
}

func (nop) Record(ctx context.Context, e Event) error {
	return nil
}
