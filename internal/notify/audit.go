package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	auditVersion   = "1.0"
	auditEventType = "covid_results_refreshed"

	// chainKey names the single chain all refresh events belong to.
	chainKey = "healthdata/covid_19"
)

// ErrNoChainHead indicates no previous event exists for the chain.
var ErrNoChainHead = errors.New("no chain head found")

// AuditEvent wraps a run event in a tamper-evident envelope. Each event
// carries the hash of the one before it.
type AuditEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Run       Event     `json:"run"`
	Chain     ChainInfo `json:"chain"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ComputeEventHash hashes the event's JSON form with event_hash cleared.
func ComputeEventHash(evt *AuditEvent) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Verify reports whether the event's hash matches its content.
func (e *AuditEvent) Verify() bool {
	return e.Chain.EventHash != "" && e.Chain.EventHash == ComputeEventHash(e)
}

// ChainTracker persists the head of each event chain.
type ChainTracker struct {
	mu       sync.RWMutex
	heads    map[string]string
	filePath string
}

// NewChainTracker loads or creates the chain head file in dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	ct := &ChainTracker{
		heads:    make(map[string]string),
		filePath: filepath.Join(dir, "chain-heads.json"),
	}
	data, err := os.ReadFile(ct.filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return ct, nil
}

// Head returns the last event hash for key.
func (ct *ChainTracker) Head(key string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	hash := ct.heads[key]
	if hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// SetHead records hash as the head of key and persists all heads.
func (ct *ChainTracker) SetHead(key, hash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.heads[key] = hash

	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := ct.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ct.filePath)
}

// auditLog chains events and writes one JSON file per event.
type auditLog struct {
	mu    sync.Mutex
	dir   string
	chain *ChainTracker
	now   func() time.Time
}

func newAuditLog(dir string) (*auditLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit log requires a directory")
	}
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, err
	}
	return &auditLog{dir: dir, chain: chain, now: time.Now}, nil
}

// seal builds the next chained event for ev and writes it to disk. The chain
// head is not advanced until commit.
func (a *auditLog) seal(ev Event) (*AuditEvent, error) {
	prev, err := a.chain.Head(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return nil, err
	}

	evt := &AuditEvent{
		Version:   auditVersion,
		EventType: auditEventType,
		EventID:   uuid.NewString(),
		Timestamp: a.now().UTC(),
		Run:       ev,
		Chain:     ChainInfo{PrevEventHash: prev},
	}
	evt.Chain.EventHash = ComputeEventHash(evt)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", ev.LogicalDate, ev.RunID)
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("write audit event: %w", err)
	}
	return evt, nil
}

func (a *auditLog) commit(evt *AuditEvent) error {
	return a.chain.SetHead(chainKey, evt.Chain.EventHash)
}
