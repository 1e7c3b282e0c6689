/*
Package notify delivers ledger and case events to external channels.

PURPOSE:
  The ledger and the case workflow emit Events after their transaction
  commits. Delivery is best-effort: Notify never blocks and never reports
  failure to the caller. The Dispatcher queues events and fans them out to
  Sinks (Redis pub/sub, Kafka, websocket hub, email) on worker goroutines.

SEE ALSO:
  - dispatcher.go: bounded queue + workers
  - redis.go, kafka.go, websocket.go, mail.go: sinks
*/
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindBalanceChanged       Kind = "balance.changed"
	KindContributionReceived Kind = "contribution.received"
	KindCaseFiled            Kind = "case.filed"
	KindCaseClosed           Kind = "case.closed"
)

// Event is the payload handed to every sink.
type Event struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	FundID        string          `json:"fund_id,omitempty"`
	CaseID        string          `json:"case_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	TxType        string          `json:"tx_type,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	At            time.Time       `json:"at"`

	// Email delivery. Only the mail sink reads these.
	Recipients []string `json:"-"`
	Subject    string   `json:"-"`
	Body       string   `json:"-"`
}

// NewEvent stamps an event with an id and time.
func NewEvent(kind Kind, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: at}
}

// Key returns the partitioning key for the event.
func (e Event) Key() string {
	switch {
	case e.WalletAddress != "":
		return e.WalletAddress
	case e.CaseID != "":
		return e.CaseID
	default:
		return e.FundID
	}
}

// Notifier accepts events for asynchronous delivery. Implementations must
// not block and must not panic.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Sink delivers one event to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder keeps events in memory. Used in tests.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events drains what has been recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
