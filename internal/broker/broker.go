package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pending struct {
	req     Request
	resultC chan outcome
	once    sync.Once
}

func (p *pending) resolve(o outcome) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		p.resultC <- o
		close(p.resultC)
	})
	return resolved
}

// Broker tracks in-flight password requests keyed by request id. A single
// Broker is shared across every Session in the gateway.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	log     *slog.Logger
}

// New constructs an empty Broker.
func New(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{pending: make(map[string]*pending), log: log}
}

// RequestPassword registers a new pending request and blocks until it is
// fulfilled via ProvidePassword, cancelled via CancelRequest, the request's
// own timeout elapses, or ctx is cancelled. Fulfilled/cancelled/timed-out are
// mutually exclusive terminal outcomes.
func (b *Broker) RequestPassword(ctx context.Context, promptText, promptType, sessionID, host, username, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	req := Request{
		ID:             uuid.New().String(),
		PromptText:     promptText,
		PromptType:     promptType,
		SessionID:      sessionID,
		Host:           host,
		Username:       username,
		Command:        command,
		Timestamp:      time.Now(),
		TimeoutSeconds: int(timeout.Seconds()),
	}

	p := &pending{req: req, resultC: make(chan outcome, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.resultC:
		switch {
		case o.cancelled:
			return "", fmt.Errorf("password request %s cancelled", req.ID)
		case o.timedOut:
			return "", fmt.Errorf("password request %s timed out after %s", req.ID, timeout)
		default:
			return o.password, nil
		}
	case <-timer.C:
		p.resolve(outcome{timedOut: true})
		return "", fmt.Errorf("password request %s timed out after %s", req.ID, timeout)
	case <-ctx.Done():
		p.resolve(outcome{cancelled: true})
		return "", ctx.Err()
	}
}

// ProvidePassword answers a pending request. Returns false if the id is
// unknown or the request already resolved (timed out, cancelled, or already
// answered) — those are mutually exclusive with a successful provide.
func (b *Broker) ProvidePassword(requestID, password string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(outcome{password: password})
}

// CancelRequest aborts a pending request. Returns false if the id is unknown
// or it already resolved.
func (b *Broker) CancelRequest(requestID string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(outcome{cancelled: true})
}

// ListPending returns a snapshot of every request still awaiting an answer.
func (b *Broker) ListPending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	return out
}

// RunSweeper runs until ctx is cancelled, periodically clearing any pending
// request whose timeout has elapsed without RequestPassword's own timer
// having gotten to it yet (a safety net against a caller's goroutine
// scheduling delay, not the primary timeout path).
func (b *Broker) RunSweeper(ctx context.Context) {
	interval := SweepInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := b.sweepExpired(); err != nil {
			b.log.Error("password broker sweep failed", "error", err)
			interval = SweepRetryBackoff
			continue
		}
		interval = SweepInterval
	}
}

func (b *Broker) sweepExpired() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sweep: %v", r)
		}
	}()

	now := time.Now()
	b.mu.Lock()
	expired := make([]*pending, 0)
	for _, p := range b.pending {
		if now.Sub(p.req.Timestamp) > time.Duration(p.req.TimeoutSeconds)*time.Second {
			expired = append(expired, p)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		p.resolve(outcome{timedOut: true})
	}
	return nil
}
