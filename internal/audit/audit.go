// Package audit writes the tamper-evident record of sensitive operations:
// intercepted tool calls, risk verdicts, sandbox denials. Entries append to
// a JSONL file and chain by SHA-256, so any edit or deletion breaks every
// hash after it.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Action identifies what kind of sensitive operation an entry records.
type Action string

const (
	ActionSessionStarted   Action = "SESSION_STARTED"
	ActionSessionCompleted Action = "SESSION_COMPLETED"
	ActionToolIntercepted  Action = "TOOL_INTERCEPTED"
	ActionToolExecuted     Action = "TOOL_EXECUTED"
	ActionVerdictFlagged   Action = "VERDICT_FLAGGED"
	ActionVerdictBlocked   Action = "VERDICT_BLOCKED"
	ActionTradeProposed    Action = "TRADE_PROPOSED"
	ActionSandboxDenied    Action = "SANDBOX_DENIED"
	ActionGovernanceDenied Action = "GOVERNANCE_DENIED"
	ActionPortfolioUpdated Action = "PORTFOLIO_UPDATED"
)

// ZeroHash is the previous_hash of the first entry in a chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record. Hash covers the canonical JSON of every other
// field; PreviousHash links to the preceding entry.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// hashable is Entry without the hash field; its canonical JSON is what
// gets hashed. Field order must never change once entries exist on disk.
type hashable struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
}

func computeHash(e Entry) (string, error) {
	canonical, err := json.Marshal(hashable{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		Action:       e.Action,
		Actor:        e.Actor,
		Details:      e.Details,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Log is the append-only audit writer. A single mutex serializes writers;
// the chain tail lives in memory and is recovered from the file on open.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	log      zerolog.Logger
	now      func() time.Time
}

// Open creates or resumes an audit log at path. An existing file is
// scanned to recover the chain tail; a corrupt tail refuses to open rather
// than silently forking the chain.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	lastHash := ZeroHash
	if existing, err := os.Open(path); err == nil { // #nosec G304
		tail, verr := verifyReader(existing)
		existing.Close()
		if verr != nil {
			return nil, fmt.Errorf("existing audit log failed verification: %w", verr)
		}
		if tail != "" {
			lastHash = tail
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open audit log for append: %w", err)
	}

	return &Log{
		file:     file,
		lastHash: lastHash,
		log:      config.NewLogger("audit"),
		now:      time.Now,
	}, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one entry and returns it with ID, timestamp and hashes
// filled in. A nil receiver is a no-op so audit stays optional in tests.
func (l *Log) Record(ctx context.Context, action Action, actor string, details map[string]any) (*Entry, error) {
	if l == nil {
		return nil, nil
	}

	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil, fmt.Errorf("audit log is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := Entry{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		Action:       action,
		Actor:        actor,
		Details:      details,
		PreviousHash: l.lastHash,
	}
	hash, err := computeHash(entry)
	if err != nil {
		metrics.RecordAuditRecord(string(action), false, float64(time.Since(start).Milliseconds()))
		return nil, err
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		metrics.RecordAuditRecord(string(action), false, float64(time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		metrics.RecordAuditRecord(string(action), false, float64(time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	l.lastHash = entry.Hash
	metrics.RecordAuditRecord(string(action), true, float64(time.Since(start).Milliseconds()))
	l.log.Info().Str("action", string(action)).Str("actor", actor).Str("id", entry.ID).Msg("Audit entry recorded")
	return &entry, nil
}

// Verify walks the whole file and checks every hash and every link.
func Verify(path string) error {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()
	_, err = verifyReader(file)
	return err
}

// verifyReader checks the chain and returns the final hash, "" for an
// empty log.
func verifyReader(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	expectedPrev := ZeroHash
	line := 0
	sawEntry := false
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return "", fmt.Errorf("entry %d: malformed JSON: %w", line, err)
		}
		if entry.PreviousHash != expectedPrev {
			return "", fmt.Errorf("entry %d: previous_hash %s does not match chain tail %s", line, entry.PreviousHash, expectedPrev)
		}
		recomputed, err := computeHash(entry)
		if err != nil {
			return "", fmt.Errorf("entry %d: %w", line, err)
		}
		if recomputed != entry.Hash {
			return "", fmt.Errorf("entry %d: stored hash %s does not match recomputed %s", line, entry.Hash, recomputed)
		}
		expectedPrev = entry.Hash
		sawEntry = true
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}
	if !sawEntry {
		return "", nil
	}
	return expectedPrev, nil
}

// Read returns all entries in file order.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("malformed audit entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
