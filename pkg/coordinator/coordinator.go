// Package coordinator implements the 2PC coordinator: transaction
// validation, participant fan-out for PREPARE and COMMIT/ABORT, a durable
// decision log, and crash recovery on restart (§4.1 of the spec).
package coordinator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerfabric/ledger2pc/pkg/audit"
)

const decisionLogFileName = "coordinator_tx_log.jsonl"

// Coordinator owns the set of known participants, the durable decision log,
// and the transaction state machine described in §4.1.
type Coordinator struct {
	nodes map[string]string // node id -> host:port

	prepareTimeout time.Duration
	commitTimeout  time.Duration

	log   *DecisionLog
	audit *audit.Sink // optional, may be nil
}

// Options configures a new Coordinator.
type Options struct {
	Nodes          map[string]string
	DataDir        string
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	Audit          *audit.Sink
}

// New opens the decision log under opts.DataDir and returns a ready Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 5 * time.Second
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 5 * time.Second
	}

	dl, err := OpenDecisionLog(filepath.Join(opts.DataDir, decisionLogFileName))
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		nodes:          opts.Nodes,
		prepareTimeout: opts.PrepareTimeout,
		commitTimeout:  opts.CommitTimeout,
		log:            dl,
		audit:          opts.Audit,
	}, nil
}

// Close releases the decision log's file handle.
func (c *Coordinator) Close() error {
	return c.log.Close()
}

// TransferRequest is the validated input to Transfer.
type TransferRequest struct {
	FromNode    string
	FromAccount string
	ToNode      string
	ToAccount   string
	Amount      int64
}

// TransferOutcome is the result Transfer reports to its caller.
type TransferOutcome struct {
	Success bool
	TxID    string
	Reason  string
}

func invalid(reason string) (TransferOutcome, error) {
	return TransferOutcome{Success: false, Reason: reason}, nil
}

// validate checks req against §4.1's invalid-request rules. A rejected
// request never reaches the decision log.
func (c *Coordinator) validate(req TransferRequest) (string, bool) {
	if req.FromNode == "" || req.FromAccount == "" || req.ToNode == "" || req.ToAccount == "" {
		return "invalid_request", false
	}
	if req.Amount <= 0 {
		return "invalid_request", false
	}
	if _, ok := c.nodes[req.FromNode]; !ok {
		return "invalid_request", false
	}
	if _, ok := c.nodes[req.ToNode]; !ok {
		return "invalid_request", false
	}
	if req.FromNode == req.ToNode && req.FromAccount == req.ToAccount {
		return "invalid_request", false
	}
	return "", true
}

// nodeOpsFor builds the per-node operation list for req, merging both legs
// onto a single node's list when FromNode == ToNode.
func nodeOpsFor(req TransferRequest) map[string][]Operation {
	ops := make(map[string][]Operation)
	ops[req.FromNode] = append(ops[req.FromNode], Operation{AccountID: req.FromAccount, Delta: -req.Amount})
	ops[req.ToNode] = append(ops[req.ToNode], Operation{AccountID: req.ToAccount, Delta: req.Amount})
	return ops
}

func sortedNodeIDs(nodeOps map[string][]Operation) []string {
	ids := make([]string, 0, len(nodeOps))
	for id := range nodeOps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type prepareOutcome struct {
	vote   bool
	reason string
}

// preparePhase fans PREPARE out to every node in nodeOps concurrently and
// collects each vote. A dial/timeout error counts as a no vote.
func (c *Coordinator) preparePhase(ctx context.Context, txid string, nodeOps map[string][]Operation) map[string]prepareOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.prepareTimeout)
	defer cancel()

	results := make(map[string]prepareOutcome, len(nodeOps))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for id, ops := range nodeOps {
		id, ops := id, ops
		addr := c.nodes[id]
		g.Go(func() error {
			vote, reason, err := sendPrepare(gctx, addr, txid, ops)
			outcome := prepareOutcome{vote: vote, reason: reason}
			if err != nil {
				outcome = prepareOutcome{vote: false, reason: "participant_unreachable"}
			}
			mu.Lock()
			results[id] = outcome
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// commitPhase delivers COMMIT to every node in nodeOps, retrying transient
// failures with bounded backoff. Returns the set of node ids that never
// confirmed, for logging; it never blocks the caller past c.commitTimeout.
func (c *Coordinator) commitPhase(ctx context.Context, txid string, nodeOps map[string][]Operation) []string {
	ctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()

	var mu sync.Mutex
	var failed []string

	g, _ := errgroup.WithContext(ctx)
	for id, ops := range nodeOps {
		id, ops := id, ops
		addr := c.nodes[id]
		g.Go(func() error {
			const maxAttempts = 3
			backoff := 100 * time.Millisecond
			var lastErr error
		retryLoop:
			for attempt := 0; attempt < maxAttempts; attempt++ {
				if attempt > 0 {
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						lastErr = ctx.Err()
						break retryLoop
					}
					backoff *= 2
				}
				if err := sendCommit(ctx, addr, txid, ops); err != nil {
					lastErr = err
					continue
				}
				lastErr = nil
				break
			}
			if lastErr != nil {
				log.Printf("[Coordinator] commit delivery to %s (%s) failed for tx %s after retries: %v", id, addr, txid, lastErr)
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// abortPhase delivers ABORT to every node in nodeOps, best-effort. A node
// that never received PREPARE safely no-ops on an unknown txid.
func (c *Coordinator) abortPhase(ctx context.Context, txid string, nodeOps map[string][]Operation) {
	ctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	for id := range nodeOps {
		id := id
		addr := c.nodes[id]
		g.Go(func() error {
			if err := sendAbort(ctx, addr, txid); err != nil {
				log.Printf("[Coordinator] abort delivery to %s (%s) failed for tx %s: %v", id, addr, txid, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Transfer runs the full lifecycle of one TRANSFER request: validation,
// durable START, PREPARE fan-out, the commit/abort decision, durable
// decision logging, delivery, and COMPLETE.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (TransferOutcome, error) {
	if reason, ok := c.validate(req); !ok {
		return invalid(reason)
	}

	txid := uuid.New().String()
	nodeOps := nodeOpsFor(req)

	if err := c.log.Append(DecisionRecord{Kind: DecisionStart, TxID: txid, NodeOps: nodeOps}); err != nil {
		return TransferOutcome{}, fmt.Errorf("coordinator: log start for %s: %w", txid, err)
	}
	if err := c.log.Append(DecisionRecord{Kind: DecisionPrepare, TxID: txid}); err != nil {
		return TransferOutcome{}, fmt.Errorf("coordinator: log prepare for %s: %w", txid, err)
	}

	votes := c.preparePhase(ctx, txid, nodeOps)

	commit := true
	reason := ""
	for _, id := range sortedNodeIDs(nodeOps) {
		outcome := votes[id]
		if !outcome.vote {
			commit = false
			if reason == "" {
				reason = outcome.reason
			}
		}
	}

	if !commit {
		if err := c.log.Append(DecisionRecord{Kind: DecisionAbort, TxID: txid, Status: "aborted"}); err != nil {
			return TransferOutcome{}, fmt.Errorf("coordinator: log abort for %s: %w", txid, err)
		}
		c.abortPhase(ctx, txid, nodeOps)
		if err := c.log.Append(DecisionRecord{Kind: DecisionComplete, TxID: txid, Status: "aborted"}); err != nil {
			return TransferOutcome{}, fmt.Errorf("coordinator: log complete for %s: %w", txid, err)
		}
		return TransferOutcome{Success: false, TxID: txid, Reason: reason}, nil
	}

	if err := c.log.Append(DecisionRecord{Kind: DecisionCommit, TxID: txid, Status: "committed"}); err != nil {
		return TransferOutcome{}, fmt.Errorf("coordinator: log commit for %s: %w", txid, err)
	}

	if c.audit != nil {
		c.audit.RecordAsync(txid, "committed")
	}

	failed := c.commitPhase(ctx, txid, nodeOps)
	status := "committed"
	if len(failed) > 0 {
		status = "committed_partial_delivery"
	}
	if err := c.log.Append(DecisionRecord{Kind: DecisionComplete, TxID: txid, Status: status}); err != nil {
		return TransferOutcome{}, fmt.Errorf("coordinator: log complete for %s: %w", txid, err)
	}

	// The decision to commit was durably logged before delivery was
	// attempted; a delivery failure does not change the outcome reported to
	// the client (§9's resolved commit-phase unreachability question). A
	// missed delivery is recorded only in the COMPLETE status: Recover skips
	// transactions that have a COMPLETE record, so it is not retried later.
	return TransferOutcome{Success: true, TxID: txid}, nil
}

// Recover scans the decision log at startup and resolves every transaction
// that never reached COMPLETE: transactions whose latest record is COMMIT
// are re-delivered and completed as committed; everything else is aborted.
func (c *Coordinator) Recover(ctx context.Context) error {
	path := c.log.path
	records, err := ReadAllDecisions(path)
	if err != nil {
		return err
	}

	groups := GroupByTx(records)
	for txid, recs := range groups {
		last := recs[len(recs)-1]
		if last.Kind == DecisionComplete {
			continue
		}

		var start *DecisionRecord
		for _, r := range recs {
			if r.Kind == DecisionStart {
				rr := r
				start = &rr
				break
			}
		}
		if start == nil {
			log.Printf("[Coordinator] recovery: tx %s has no START record, skipping", txid)
			continue
		}

		switch last.Kind {
		case DecisionCommit:
			log.Printf("[Coordinator] recovery: tx %s was committed but not completed, redelivering", txid)
			failed := c.commitPhase(ctx, txid, start.NodeOps)
			status := "recovered_committed"
			if len(failed) > 0 {
				status = "recovered_committed_partial_delivery"
			}
			if err := c.log.Append(DecisionRecord{Kind: DecisionComplete, TxID: txid, Status: status}); err != nil {
				return fmt.Errorf("coordinator: recovery log complete for %s: %w", txid, err)
			}
		default:
			log.Printf("[Coordinator] recovery: tx %s never reached a commit decision, aborting", txid)
			if err := c.log.Append(DecisionRecord{Kind: DecisionAbort, TxID: txid, Status: "recovered"}); err != nil {
				return fmt.Errorf("coordinator: recovery log abort for %s: %w", txid, err)
			}
			c.abortPhase(ctx, txid, start.NodeOps)
			if err := c.log.Append(DecisionRecord{Kind: DecisionComplete, TxID: txid, Status: "aborted_during_recovery"}); err != nil {
				return fmt.Errorf("coordinator: recovery log complete for %s: %w", txid, err)
			}
		}
	}
	return nil
}
