package coordinator

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sync"

	json "github.com/goccy/go-json"
)

// DecisionKind discriminates the coordinator's durable decision log records (§3).
type DecisionKind string

const (
	DecisionStart    DecisionKind = "START"
	DecisionPrepare  DecisionKind = "PREPARE"
	DecisionCommit   DecisionKind = "COMMIT"
	DecisionAbort    DecisionKind = "ABORT"
	DecisionComplete DecisionKind = "COMPLETE"
)

// Operation mirrors protocol.Operation, kept local so this package's log
// format doesn't depend on the wire package's evolution.
type Operation struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
}

// DecisionRecord is one line of the append-only coordinator decision log.
type DecisionRecord struct {
	Kind    DecisionKind           `json:"kind"`
	TxID    string                 `json:"txid"`
	NodeOps map[string][]Operation `json:"node_ops,omitempty"`
	Status  string                 `json:"status,omitempty"`
}

// DecisionLog is the coordinator's append-only, JSON-per-line phase log.
// Every phase transition writes one line, fsynced before that phase's
// outward-visible effect (§4.1).
type DecisionLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenDecisionLog opens (creating if absent) the decision log at path.
func OpenDecisionLog(path string) (*DecisionLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("decisionlog: open %s: %w", path, err)
	}
	return &DecisionLog{path: path, f: f}, nil
}

// Append writes rec as one JSON line and fsyncs before returning.
func (l *DecisionLog) Append(rec DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("decisionlog: marshal: %w", err)
	}
	body = append(body, '\n')

	if _, err := l.f.Write(body); err != nil {
		return fmt.Errorf("decisionlog: append: %w", err)
	}
	return l.f.Sync()
}

// Close releases the underlying file handle.
func (l *DecisionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadAllDecisions replays every record in the log, in append order. A corrupt line
// is skipped with a warning rather than failing startup (§7: "corrupt
// decision log line: skip line, log warning, continue").
func ReadAllDecisions(path string) ([]DecisionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("decisionlog: open %s for read: %w", path, err)
	}
	defer f.Close()

	var records []DecisionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("[DecisionLog] skipping corrupt line in %s: %v", path, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("decisionlog: scan %s: %w", path, err)
	}
	return records, nil
}

// GroupByTx groups decision records by transaction id, preserving append order.
func GroupByTx(records []DecisionRecord) map[string][]DecisionRecord {
	groups := make(map[string][]DecisionRecord)
	for _, r := range records {
		groups[r.TxID] = append(groups[r.TxID], r)
	}
	return groups
}
