// Package heal records operation failures and applies small automatic
// reactions based on what the failure message says.
package heal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Class is the classification given to a recorded error.
type Class string

// Set of error classes.
const (
	ClassReplica  Class = "replica"
	ClassNetwork  Class = "network"
	ClassThrottle Class = "throttle"
	ClassOther    Class = "other"
)

// Keywords used to classify messages. Replica terms are checked first so
// an endpoint that times out is rotated rather than waited on.
var (
	replicaTerms  = []string{"replica", "ipfs", "endpoint"}
	networkTerms  = []string{"network", "connection", "timeout", "refused", "unreachable"}
	throttleTerms = []string{"captcha", "429", "rate limit", "too many requests"}
)

// Classify returns the class for the message.
func Classify(message string) Class {
	msg := strings.ToLower(message)

	switch {
	case containsAny(msg, replicaTerms):
		return ClassReplica
	case containsAny(msg, networkTerms):
		return ClassNetwork
	case containsAny(msg, throttleTerms):
		return ClassThrottle
	}

	return ClassOther
}

// =============================================================================

// Record represents a single recorded failure.
type Record struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Class     Class     `json:"class"`
	Reaction  string    `json:"reaction"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats represents the self-heal counters.
type Stats struct {
	Recorded          uint64     `json:"errors_recorded"`
	Heals             uint64     `json:"errors_fixed"`
	LastHeal          *time.Time `json:"last_heal"`
	CurrentIssue      string     `json:"current_issue"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
}

// EventHandler defines a function that is called when events
// occur while recording errors.
type EventHandler func(v string, args ...any)

// PersistFunc stores a record durably.
type PersistFunc func(ctx context.Context, rec Record) error

// Rotator is the behavior needed to replace dead replica endpoints.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Config represents the configuration for the log.
type Config struct {
	RetryDelay     time.Duration
	BackoffFactor  float64
	MaxBackoff     float64
	RotateCooldown time.Duration
	History        int
	Persist        PersistFunc
	Rotator        Rotator
	OnBackoff      func(multiplier float64)
	EvHandler      EventHandler
}

// Log keeps the most recent records and the self-heal state.
type Log struct {
	retryDelay     time.Duration
	backoffFactor  float64
	maxBackoff     float64
	rotateCooldown time.Duration
	history        int
	persist        PersistFunc
	onBackoff      func(multiplier float64)
	evHandler      EventHandler

	rotating atomic.Bool

	mu           sync.Mutex
	rotator      Rotator
	records      []Record
	backoff      float64
	recorded     uint64
	heals        uint64
	lastHeal     time.Time
	lastRotate   time.Time
	currentIssue string
}

// New constructs a log for use.
func New(cfg Config) *Log {
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 1.1
	}
	if cfg.MaxBackoff < 1 {
		cfg.MaxBackoff = 10
	}
	if cfg.History <= 0 {
		cfg.History = 100
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	l := Log{
		retryDelay:     cfg.RetryDelay,
		backoffFactor:  cfg.BackoffFactor,
		maxBackoff:     cfg.MaxBackoff,
		rotateCooldown: cfg.RotateCooldown,
		history:        cfg.History,
		persist:        cfg.Persist,
		onBackoff:      cfg.OnBackoff,
		evHandler:      ev,
		rotator:        cfg.Rotator,
		backoff:        1,
	}

	return &l
}

// SetRotator registers the component able to rotate replica endpoints.
func (l *Log) SetRotator(r Rotator) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotator = r
}

// Record appends a record for the failure, persists it and applies the
// reaction for its class. An error raised while persisting a record is
// kept in memory only and gets no reaction.
func (l *Log) Record(ctx context.Context, operation string, message string) Record {
	return l.RecordClass(ctx, operation, message, Classify(message))
}

// RecordClass works like Record for a failure whose class is already
// known. Callers use it when the message carries text, like file paths or
// names, that must not drive the reaction.
func (l *Log) RecordClass(ctx context.Context, operation string, message string, class Class) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Operation: operation,
		Message:   message,
		Class:     class,
		Reaction:  "none",
		Timestamp: time.Now().UTC(),
	}

	nested := isNested(ctx)

	l.mu.Lock()
	l.recorded++
	l.currentIssue = message
	l.mu.Unlock()

	if nested {
		rec.Reaction = "nested"
		l.append(rec)
		l.evHandler("heal: Record: nested: op[%s]: %s", operation, message)
		return rec
	}

	rec.Reaction = l.react(ctx, rec)
	l.append(rec)

	l.evHandler("heal: Record: op[%s]: class[%s]: reaction[%s]: %s", operation, rec.Class, rec.Reaction, message)

	if l.persist != nil {
		if err := l.persist(withNested(ctx), rec); err != nil {
			l.evHandler("heal: Record: persist: ERROR: %s", err)
		}
	}

	return rec
}

// BackoffMultiplier returns the current backoff multiplier.
func (l *Log) BackoffMultiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.backoff
}

// Recent returns up to n records, newest first.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}

	out := make([]Record, 0, n)
	for i := len(l.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.records[i])
	}

	return out
}

// Stats returns the self-heal counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Recorded:          l.recorded,
		Heals:             l.heals,
		CurrentIssue:      l.currentIssue,
		BackoffMultiplier: l.backoff,
	}

	if !l.lastHeal.IsZero() {
		t := l.lastHeal
		st.LastHeal = &t
	}

	return st
}

// =============================================================================

// react applies the reaction for the record's class and describes it.
func (l *Log) react(ctx context.Context, rec Record) string {
	switch rec.Class {
	case ClassNetwork:
		if l.retryDelay <= 0 {
			return "none"
		}

		l.healed()

		t := time.NewTimer(l.retryDelay)
		defer t.Stop()

		select {
		case <-t.C:
		case <-ctx.Done():
		}
		return fmt.Sprintf("retry-after:%s", l.retryDelay)

	case ClassThrottle:
		l.mu.Lock()
		l.backoff *= l.backoffFactor
		if l.backoff > l.maxBackoff {
			l.backoff = l.maxBackoff
		}
		b := l.backoff
		l.mu.Unlock()

		l.healed()

		if l.onBackoff != nil {
			l.onBackoff(b)
		}
		return fmt.Sprintf("backoff:%.3f", b)

	case ClassReplica:
		return l.rotate(ctx)
	}

	return "none"
}

// rotate asks the rotator to replace dead endpoints. Errors reported while
// a rotation is running don't start another one.
func (l *Log) rotate(ctx context.Context) string {
	l.mu.Lock()
	rotator := l.rotator
	cooling := l.rotateCooldown > 0 && time.Since(l.lastRotate) < l.rotateCooldown
	l.mu.Unlock()

	if rotator == nil {
		return "none"
	}

	if cooling || !l.rotating.CompareAndSwap(false, true) {
		return "rotate-skipped"
	}
	defer l.rotating.Store(false)

	l.mu.Lock()
	l.lastRotate = time.Now()
	l.mu.Unlock()

	l.healed()

	if err := rotator.Rotate(ctx); err != nil {
		l.evHandler("heal: rotate: WARNING: %s", err)
		return "rotate-partial"
	}

	return "rotate"
}

func (l *Log) healed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.heals++
	l.lastHeal = time.Now().UTC()
}

func (l *Log) append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	if len(l.records) > l.history {
		l.records = l.records[len(l.records)-l.history:]
	}
}

// =============================================================================

// ctxKey represents the type of value for the context key.
type ctxKey int

// nestedKey marks a context derived from persisting a record.
const nestedKey ctxKey = 1

func withNested(ctx context.Context) context.Context {
	return context.WithValue(ctx, nestedKey, true)
}

func isNested(ctx context.Context) bool {
	v, _ := ctx.Value(nestedKey).(bool)
	return v
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
