package audit

import (
	"fmt"
	"time"

	"signal-trader/pkg/db"
)

// EventPayload tags a transition with its origin. Each source carries its own
// typed fields; Raw preserves the original upstream payload for forensic
// replay.
type EventPayload interface {
	Source() string
	Raw() string
}

// UserAction is a transition caused by a direct request.
type UserAction struct {
	Actor   string // "user:<id>" or similar
	RawBody string
}

func (p UserAction) Source() string { return db.SourceUserAction }
func (p UserAction) Raw() string    { return p.RawBody }

// BrokerWebhook is a transition delivered by the broker's push channel.
type BrokerWebhook struct {
	EventType string
	RawBody   string
}

func (p BrokerWebhook) Source() string { return db.SourceBrokerWebhook }
func (p BrokerWebhook) Raw() string    { return p.RawBody }

// BrokerPoll is a transition discovered by the polling sync job.
type BrokerPoll struct {
	RawBody string
}

func (p BrokerPoll) Source() string { return db.SourceBrokerPoll }
func (p BrokerPoll) Raw() string    { return p.RawBody }

// SystemTimeout marks a broker call that never answered: "we don't know what
// happened", as opposed to a broker rejection.
type SystemTimeout struct {
	Elapsed time.Duration
	Err     string
}

func (p SystemTimeout) Source() string { return db.SourceSystemTimeout }
func (p SystemTimeout) Raw() string {
	return fmt.Sprintf(`{"elapsed":%q,"error":%q}`, p.Elapsed, p.Err)
}

// Scheduler is a transition applied by a scheduled job (risk exits, expiry).
type Scheduler struct {
	Job     string
	RawBody string
}

func (p Scheduler) Source() string { return db.SourceScheduler }
func (p Scheduler) Raw() string    { return p.RawBody }
