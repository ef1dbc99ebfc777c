// Package bus mirrors universal session events onto a pub/sub bus so other
// local tools can observe agent activity without holding an SSE connection.
// The default backend is in-memory; configuring a NATS URL switches the
// mirror to a real broker. The SSE surface never depends on the bus.
package bus

import (
	"context"

	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/schema"
)

// SubjectPrefix is the root of all gateway subjects.
const SubjectPrefix = "agent.stream"

// SubjectForSession returns the subject a session's events are mirrored to.
func SubjectForSession(sessionID string) string {
	return SubjectPrefix + "." + sessionID
}

// Handler consumes one mirrored event.
type Handler func(ctx context.Context, subject string, event *schema.Event) error

// Subscription is an active bus subscription.
type Subscription interface {
	Unsubscribe() error
	Valid() bool
}

// Bus publishes universal events to subjects and fans them out to
// subscribers. Subjects use NATS semantics: dot-separated tokens, `*` matches
// one token, `>` matches the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *schema.Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	Connected() bool
}

// New selects a backend: NATS when url is set, in-memory otherwise.
func New(url string, log *logger.Logger) (Bus, error) {
	if url == "" {
		return NewMemory(log), nil
	}
	return NewNATS(url, log)
}
