package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies one of the closed set of event variants the security core
// emits to the hosting application.
type Kind string

const (
	KindLogEntry            Kind = "log-entry"
	KindAuditAlert          Kind = "audit-alert"
	KindComplianceViolation Kind = "compliance-violation"
	KindLoginSuccess        Kind = "login-success"
	KindLoginFailure        Kind = "login-failure"
	KindSessionExpired      Kind = "session-expired"
	KindThreatDetected      Kind = "threat-detected"
	KindSecurityScan        Kind = "security-scan-complete"
)

// Event is implemented by every variant carried on the bus.
type Event interface {
	EventKind() Kind
}

// LogEntry announces a new audit log entry.
type LogEntry struct {
	Sequence uint64
	Category string
	Level    string
	Message  string
}

func (LogEntry) EventKind() Kind { return KindLogEntry }

// AuditAlert announces a fired alert rule.
type AuditAlert struct {
	RuleID   string
	Action   string
	Message  string
	Severity string
	FiredAt  time.Time
}

func (AuditAlert) EventKind() Kind { return KindAuditAlert }

// ComplianceViolation announces a failed required compliance rule.
type ComplianceViolation struct {
	RuleID    string
	Framework string
	Sequence  uint64
	Message   string
}

func (ComplianceViolation) EventKind() Kind { return KindComplianceViolation }

// LoginSuccess announces a successful authentication.
type LoginSuccess struct {
	UserID    string
	Username  string
	SessionID string
}

func (LoginSuccess) EventKind() Kind { return KindLoginSuccess }

// LoginFailure announces a failed authentication attempt.
type LoginFailure struct {
	UserID   string
	Username string
	Reason   string
}

func (LoginFailure) EventKind() Kind { return KindLoginFailure }

// SessionExpired announces an automatic session expiry.
type SessionExpired struct {
	SessionID string
	UserID    string
}

func (SessionExpired) EventKind() Kind { return KindSessionExpired }

// ThreatDetected announces a detected threat and its assessed severity.
type ThreatDetected struct {
	ID          string
	Type        string
	Severity    string
	Source      string
	Description string
}

func (ThreatDetected) EventKind() Kind { return KindThreatDetected }

// SecurityScan announces the outcome of a periodic security scan.
type SecurityScan struct {
	Score           int
	Vulnerabilities int
	CompletedAt     time.Time
}

func (SecurityScan) EventKind() Kind { return KindSecurityScan }

// Handler consumes a published event.
type Handler func(Event)

// BusConfig configures dispatcher behaviour.
type BusConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Bus is an in-process dispatcher decoupling publishers from subscribers.
// Publish never blocks the caller; dispatch happens on a single goroutine so
// subscribers observe events in publish order.
type Bus struct {
	bufferSize int
	logger     *zap.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	handlers map[Kind][]Handler
	catchAll []Handler
	dropped  uint64
}

// NewBus builds a bus with the provided configuration.
func NewBus(cfg BusConfig) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		events:     make(chan Event, cfg.BufferSize),
		handlers:   make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for a single event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler receiving every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish enqueues an event for dispatch. When the buffer is full the event
// is dropped rather than blocking the publisher.
func (b *Bus) Publish(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		b.logger.Warn("event bus buffer full, dropping event",
			zap.String("kind", string(ev.EventKind())),
			zap.Uint64("dropped_total", dropped))
	}
}

// Start begins event dispatch. Safe to call once.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.dispatch()
	b.started = true
}

// Stop cancels dispatch and waits for the worker to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.events:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.EventKind()]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("kind", string(ev.EventKind())),
						zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
