// Package audit keeps the append-only, tamper-evident event trail each
// governance module owns.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// #region entry

// Entry is one audit record. Hash covers every other field, including
// PreviousHash, so an entry cannot be edited without breaking the chain.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Module       string         `json:"module"`
	Event        string         `json:"event"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

func (e Entry) clone() Entry {
	e.Details = maps.Clone(e.Details)
	return e
}

// #endregion entry

// #region options

// Clock supplies entry timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Sink receives every entry after it is appended in memory.
type Sink interface {
	WriteAudit(e Entry) error
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(t *Trail) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithSink mirrors appended entries to s. Sink failures are logged and do
// not reject the append.
func WithSink(s Sink) Option {
	return func(t *Trail) { t.sink = s }
}

// WithTail continues an existing chain: the first appended entry links to
// hash instead of starting a new genesis.
func WithTail(hash string) Option {
	return func(t *Trail) { t.tail = hash }
}

// WithLogger sets the logger used for [AUDIT] lines and sink failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// #endregion options

// #region trail

// Trail is an append-only sequence of hash-chained entries for one module.
type Trail struct {
	module string
	clock  Clock
	sink   Sink
	logger *zap.Logger
	tail   string

	mu      sync.Mutex
	entries []Entry
}

// NewTrail creates an empty trail attributed to module.
func NewTrail(module string, opts ...Option) *Trail {
	t := &Trail{
		module: module,
		clock:  wallClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append links a new entry to the tail of the trail.
func (t *Trail) Append(event string, details map[string]any) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.tail
	if n := len(t.entries); n > 0 {
		prev = t.entries[n-1].Hash
	}

	e := Entry{
		ID:           uuid.NewString(),
		Timestamp:    t.clock.Now().UTC(),
		Module:       t.module,
		Event:        event,
		Details:      maps.Clone(details),
		PreviousHash: prev,
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit %s: %w", event, err)
	}
	e.Hash = hash
	t.entries = append(t.entries, e)

	t.logger.Info("[AUDIT] "+event, zap.String("module", t.module))
	if t.sink != nil {
		if err := t.sink.WriteAudit(e.clone()); err != nil {
			t.logger.Warn("audit sink write failed", zap.String("event", event), zap.Error(err))
		}
	}
	return e.clone(), nil
}

// Entries returns a copy of the trail.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Module returns the module the trail is attributed to.
func (t *Trail) Module() string {
	return t.module
}

// VerifyChain checks the trail's links and content hashes, starting from the
// tail it was resumed from.
func (t *Trail) VerifyChain() error {
	return VerifyChainFrom(t.tail, t.Entries())
}

// #endregion trail

// #region hashing

// VerifyChain checks that every entry links to its predecessor and that each
// stored hash matches the entry content. entries[0] must be the genesis.
func VerifyChain(entries []Entry) error {
	return VerifyChainFrom("", entries)
}

// VerifyChainFrom is VerifyChain for a segment whose first entry links to
// tail. An empty tail means the segment starts at the genesis.
func VerifyChainFrom(tail string, entries []Entry) error {
	for i, e := range entries {
		if i == 0 {
			if e.PreviousHash != tail {
				if tail == "" {
					return fmt.Errorf("genesis entry has non-empty previous hash")
				}
				return fmt.Errorf("chain broken at index 0: does not link to tail %s", tail)
			}
		} else if e.PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("chain broken at index %d: previous hash mismatch", i)
		}

		computed, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("recompute hash at index %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("integrity failure at index %d: computed %s, stored %s", i, computed, e.Hash)
		}
	}
	return nil
}

// ComputeHash returns the SHA-256 of the RFC 8785 canonical JSON form of e,
// excluding the Hash field.
func ComputeHash(e Entry) (string, error) {
	raw, err := json.Marshal(struct {
		ID           string         `json:"id"`
		Timestamp    time.Time      `json:"timestamp"`
		Module       string         `json:"module"`
		Event        string         `json:"event"`
		Details      map[string]any `json:"details,omitempty"`
		PreviousHash string         `json:"previous_hash"`
	}{e.ID, e.Timestamp.UTC(), e.Module, e.Event, e.Details, e.PreviousHash})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// #endregion hashing
