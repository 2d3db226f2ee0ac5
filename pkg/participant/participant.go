// Package participant implements the 2PC participant node: per-account
// non-blocking locking, feasibility checking, a write-ahead log, and
// crash-consistent snapshot persistence (§4.2 of the spec).
package participant

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"
	lock "github.com/viney-shih/go-lock"
)

// Participant holds one node's partition of accounts.
type Participant struct {
	ID      string
	dataDir string

	mu       sync.Mutex // guards locks map creation and raw balances map access
	locks    map[string]lock.Mutex
	balances map[string]int64

	wal *WAL

	committedMu sync.Mutex
	committed   mapset.Set

	pendingMu sync.Mutex
	pending   map[string]struct{} // txids currently inside Prepare, in this process
}

func snapshotPath(dataDir, id string) string {
	return filepath.Join(dataDir, fmt.Sprintf("node_%s_state.json", id))
}

func walPath(dataDir, id string) string {
	return filepath.Join(dataDir, fmt.Sprintf("node_%s_log.jsonl", id))
}

// Open loads a participant's snapshot and WAL from dataDir, reconciling any
// gap between them per §4.2's recovery note, then returns a ready Participant.
func Open(id, dataDir string) (*Participant, error) {
	balances, err := LoadSnapshot(snapshotPath(dataDir, id))
	if err != nil {
		return nil, err
	}

	records, err := ReadAll(walPath(dataDir, id))
	if err != nil {
		return nil, err
	}

	committed := CommittedTxIDs(records)

	reconciled, changed := reconcileFromWAL(balances, records, committed)
	if changed {
		log.Printf("[Participant %s] WAL replay found balances ahead of snapshot, rewriting snapshot", id)
		if err := WriteSnapshot(snapshotPath(dataDir, id), reconciled); err != nil {
			return nil, err
		}
	}

	wal, err := OpenWAL(walPath(dataDir, id))
	if err != nil {
		return nil, err
	}

	return &Participant{
		ID:        id,
		dataDir:   dataDir,
		locks:     make(map[string]lock.Mutex),
		balances:  reconciled,
		wal:       wal,
		committed: committed,
		pending:   make(map[string]struct{}),
	}, nil
}

// reconcileFromWAL overlays the last committed balance per account from the
// WAL onto the loaded snapshot. The WAL append for a committed operation
// always happens before that operation's snapshot write (§4.2), so the WAL's
// view of a committed account is never staler than the snapshot's, and can
// only be ahead of it if the process crashed between the WAL append and the
// snapshot rename (the exact gap §9.4 flags). This closes that gap.
func reconcileFromWAL(snapshot map[string]int64, records []WALRecord, committed mapset.Set) (map[string]int64, bool) {
	out := make(map[string]int64, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}

	changed := false
	for _, r := range records {
		if r.Kind != WALUpdate || !committed.Contains(r.TxID) {
			continue
		}
		if cur, ok := out[r.AccountID]; !ok || cur != r.NewBalance {
			out[r.AccountID] = r.NewBalance
			changed = true
		}
	}
	return out, changed
}

func (p *Participant) Close() error {
	return p.wal.Close()
}

// lockFor returns the per-account mutex, creating it on first reference.
// The creation guard is the single short-lived global mutex §5 specifies;
// it is never held across a lock acquisition itself.
func (p *Participant) lockFor(accountID string) lock.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.locks[accountID]
	if !ok {
		m = lock.NewCASMutex()
		p.locks[accountID] = m
	}
	return m
}

func (p *Participant) getBalance(accountID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[accountID]
}

func (p *Participant) setBalance(accountID string, v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[accountID] = v
}

func (p *Participant) snapshotBalances() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out
}

func (p *Participant) markPending(txID string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if _, ok := p.pending[txID]; ok {
		return false
	}
	p.pending[txID] = struct{}{}
	return true
}

func (p *Participant) clearPending(txID string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	delete(p.pending, txID)
}

// Prepare runs the PREPARE phase: deterministic ordering, non-blocking
// per-account lock acquisition, feasibility check, and unconditional lock
// release before returning (§4.2's lock release policy).
func (p *Participant) Prepare(txID string, ops []Operation) (vote bool, reason string, err error) {
	if !p.markPending(txID) {
		return false, "transaction already in progress", nil
	}
	defer p.clearPending(txID)

	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })

	var acquired []string
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			p.lockFor(acquired[i]).Unlock()
		}
	}

	for _, op := range sorted {
		m := p.lockFor(op.AccountID)
		if !m.TryLock() {
			release()
			reason := "lock_contention_on_" + op.AccountID
			if err := p.wal.Append(WALRecord{Kind: WALPrepareFailed, TxID: txID, Reason: reason}); err != nil {
				return false, reason, err
			}
			return false, reason, nil
		}
		acquired = append(acquired, op.AccountID)
	}

	for _, op := range sorted {
		projected := p.getBalance(op.AccountID) + op.Delta
		if projected < 0 {
			release()
			if err := p.wal.Append(WALRecord{Kind: WALPrepareFailed, TxID: txID, Reason: "insufficient_balance"}); err != nil {
				return false, "insufficient_balance", err
			}
			return false, "insufficient_balance", nil
		}
	}

	if err := p.wal.Append(WALRecord{Kind: WALPrepareOK, TxID: txID, Operations: sorted}); err != nil {
		release()
		return false, "", err
	}
	release()
	return true, "", nil
}

// Commit durably applies a transaction's operations, recomputing each
// account's new balance from the live balance (not any PREPARE-time
// projection) since locks were released between PREPARE and COMMIT. It is
// idempotent: a txid with an existing commit record is a no-op ack.
func (p *Participant) Commit(txID string, ops []Operation) error {
	p.committedMu.Lock()
	already := p.committed.Contains(txID)
	p.committedMu.Unlock()
	if already {
		return nil
	}

	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })

	for _, op := range sorted {
		m := p.lockFor(op.AccountID)
		m.Lock()
		err := p.applyCommitOp(txID, op)
		m.Unlock()
		if err != nil {
			return fmt.Errorf("participant: commit %s: %w", txID, err)
		}
	}

	if err := p.wal.Append(WALRecord{Kind: WALCommit, TxID: txID}); err != nil {
		return fmt.Errorf("participant: commit %s: append commit record: %w", txID, err)
	}

	p.committedMu.Lock()
	p.committed.Add(txID)
	p.committedMu.Unlock()
	return nil
}

// applyCommitOp performs one operation's WAL append, in-memory update, and
// snapshot write while the caller holds that account's lock.
func (p *Participant) applyCommitOp(txID string, op Operation) error {
	old := p.getBalance(op.AccountID)
	newBalance := old + op.Delta

	if err := p.wal.Append(WALRecord{
		Kind:       WALUpdate,
		TxID:       txID,
		AccountID:  op.AccountID,
		Delta:      op.Delta,
		OldBalance: old,
		NewBalance: newBalance,
	}); err != nil {
		return err
	}

	p.setBalance(op.AccountID, newBalance)

	if err := WriteSnapshot(snapshotPath(p.dataDir, p.ID), p.snapshotBalances()); err != nil {
		return err
	}
	return nil
}

// Abort discards a transaction. Safe and idempotent for an unknown txid,
// since PREPARE never left any lock held past its own critical section.
func (p *Participant) Abort(txID string) error {
	if err := p.wal.Append(WALRecord{Kind: WALAbort, TxID: txID}); err != nil {
		return fmt.Errorf("participant: abort %s: %w", txID, err)
	}
	return nil
}

// Read returns an account's current balance, 0 for an account never referenced.
func (p *Participant) Read(accountID string) int64 {
	m := p.lockFor(accountID)
	m.Lock()
	defer m.Unlock()
	return p.getBalance(accountID)
}
