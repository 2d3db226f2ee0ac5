package participant

import (
	"testing"
)

func seedBalances(t *testing.T, dataDir, id string, balances map[string]int64) {
	t.Helper()
	if err := WriteSnapshot(snapshotPath(dataDir, id), balances); err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
}

func TestPrepareAndCommitHappyPath(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 100})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	ops := []Operation{{AccountID: "acc1", Delta: -30}}
	vote, reason, err := p.Prepare("tx1", ops)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !vote {
		t.Fatalf("expected a commit vote, got abort: %s", reason)
	}

	if err := p.Commit("tx1", ops); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := p.Read("acc1"); got != 70 {
		t.Errorf("got balance %d, want 70", got)
	}
}

func TestPrepareRejectsInsufficientBalance(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 10})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	vote, reason, err := p.Prepare("tx1", []Operation{{AccountID: "acc1", Delta: -50}})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if vote {
		t.Fatal("expected an abort vote for insufficient balance")
	}
	if reason != "insufficient_balance" {
		t.Errorf("got reason %q, want insufficient_balance", reason)
	}

	if got := p.Read("acc1"); got != 10 {
		t.Errorf("balance should be untouched, got %d", got)
	}
}

func TestPrepareRefusesOnLockContention(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 100})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	held := p.lockFor("acc1")
	if !held.TryLock() {
		t.Fatal("failed to take the account lock ahead of Prepare")
	}
	defer held.Unlock()

	vote, reason, err := p.Prepare("tx1", []Operation{{AccountID: "acc1", Delta: -10}})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if vote {
		t.Fatal("expected Prepare to refuse immediately on lock contention")
	}
	if reason != "lock_contention_on_acc1" {
		t.Errorf("got reason %q, want lock_contention_on_acc1", reason)
	}
}

func TestPrepareReleasesLocksRegardlessOfVote(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 100})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if vote, _, err := p.Prepare("tx1", []Operation{{AccountID: "acc1", Delta: -10}}); err != nil || !vote {
		t.Fatalf("Prepare failed or voted abort: vote=%v err=%v", vote, err)
	}

	// A second, independent transaction over the same account must be able
	// to acquire the lock immediately: §4.2 releases locks at the end of
	// PREPARE regardless of the vote.
	m := p.lockFor("acc1")
	if !m.TryLock() {
		t.Fatal("expected account lock to be free after Prepare returned")
	}
	m.Unlock()

	// An abort vote (insufficient balance) must release the lock as well.
	if vote, _, err := p.Prepare("tx2", []Operation{{AccountID: "acc1", Delta: -1000}}); err != nil || vote {
		t.Fatalf("expected an abort vote without error: vote=%v err=%v", vote, err)
	}
	if !m.TryLock() {
		t.Fatal("expected account lock to be free after an aborting Prepare returned")
	}
	m.Unlock()
}

func TestCommitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 100})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	ops := []Operation{{AccountID: "acc1", Delta: -20}}
	if _, _, err := p.Prepare("tx1", ops); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := p.Commit("tx1", ops); err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	if err := p.Commit("tx1", ops); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	if got := p.Read("acc1"); got != 80 {
		t.Errorf("got balance %d, want 80 (commit must not double-apply)", got)
	}
}

func TestAbortIsIdempotentAndSafeForUnknownTx(t *testing.T) {
	dir := t.TempDir()
	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if err := p.Abort("never-prepared"); err != nil {
		t.Fatalf("Abort on an unknown txid should be safe, got: %v", err)
	}
	if err := p.Abort("never-prepared"); err != nil {
		t.Fatalf("second Abort should be safe, got: %v", err)
	}
}

func TestOpenReconcilesSnapshotFromWAL(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 100})

	w, err := OpenWAL(walPath(dir, "a"))
	if err != nil {
		t.Fatalf("OpenWAL failed: %v", err)
	}
	// Simulate a crash between the WAL update append and the snapshot
	// rename: the WAL already reflects the new balance, the snapshot does not.
	if err := w.Append(WALRecord{Kind: WALUpdate, TxID: "tx1", AccountID: "acc1", Delta: -40, OldBalance: 100, NewBalance: 60}); err != nil {
		t.Fatalf("Append update failed: %v", err)
	}
	if err := w.Append(WALRecord{Kind: WALCommit, TxID: "tx1"}); err != nil {
		t.Fatalf("Append commit failed: %v", err)
	}
	w.Close()

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if got := p.Read("acc1"); got != 60 {
		t.Errorf("got balance %d after recovery, want 60", got)
	}
}

func TestMultiAccountPrepareLocksInDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	seedBalances(t, dir, "a", map[string]int64{"acc1": 50, "acc2": 50})

	p, err := Open("a", dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	ops := []Operation{
		{AccountID: "acc2", Delta: -10},
		{AccountID: "acc1", Delta: -10},
	}
	vote, reason, err := p.Prepare("tx1", ops)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !vote {
		t.Fatalf("expected commit vote, got abort: %s", reason)
	}

	if err := p.Commit("tx1", ops); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := p.Read("acc1"); got != 40 {
		t.Errorf("acc1: got %d, want 40", got)
	}
	if got := p.Read("acc2"); got != 40 {
		t.Errorf("acc2: got %d, want 40", got)
	}
}
