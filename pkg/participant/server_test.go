package participant

import (
	"net"
	"testing"
	"time"

	"github.com/ledgerfabric/ledger2pc/pkg/protocol"
	"github.com/ledgerfabric/ledger2pc/pkg/wire"
)

func startTestServer(t *testing.T, id string, balances map[string]int64) (addr string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	seedBalances(t, dir, id, balances)

	p, err := Open(id, dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	srv := NewServer(p, ln.Addr().String())
	srv.listener = ln
	go srv.Serve(ln)

	return ln.Addr().String(), func() {
		srv.Close()
		p.Close()
	}
}

func TestServerPrepareCommitReadOverTCP(t *testing.T) {
	addr, stop := startTestServer(t, "a", map[string]int64{"acc1": 100})
	defer stop()

	conn, err := wire.Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(protocol.Prepare{
		Type: protocol.MsgPrepare,
		TxID: "tx1",
		Operations: []protocol.Operation{{AccountID: "acc1", Delta: -25}},
	}); err != nil {
		t.Fatalf("send prepare failed: %v", err)
	}

	var vote protocol.VoteCommit
	if err := conn.Recv(&vote); err != nil {
		t.Fatalf("recv vote failed: %v", err)
	}
	if vote.Type != protocol.MsgVoteCommit {
		t.Fatalf("got vote type %s, want VOTE_COMMIT", vote.Type)
	}

	if err := conn.Send(protocol.Commit{
		Type: protocol.MsgCommit,
		TxID: "tx1",
		Operations: []protocol.Operation{{AccountID: "acc1", Delta: -25}},
	}); err != nil {
		t.Fatalf("send commit failed: %v", err)
	}
	var ack protocol.Ack
	if err := conn.Recv(&ack); err != nil {
		t.Fatalf("recv ack failed: %v", err)
	}

	if err := conn.Send(protocol.Read{Type: protocol.MsgRead, AccountID: "acc1"}); err != nil {
		t.Fatalf("send read failed: %v", err)
	}
	var result protocol.ReadResult
	if err := conn.Recv(&result); err != nil {
		t.Fatalf("recv read result failed: %v", err)
	}
	if result.Balance != 75 {
		t.Errorf("got balance %d, want 75", result.Balance)
	}
}

func TestServerPrepareVotesAbortOnInsufficientBalance(t *testing.T) {
	addr, stop := startTestServer(t, "a", map[string]int64{"acc1": 5})
	defer stop()

	conn, err := wire.Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(protocol.Prepare{
		Type: protocol.MsgPrepare,
		TxID: "tx1",
		Operations: []protocol.Operation{{AccountID: "acc1", Delta: -50}},
	}); err != nil {
		t.Fatalf("send prepare failed: %v", err)
	}

	var vote protocol.VoteAbort
	if err := conn.Recv(&vote); err != nil {
		t.Fatalf("recv vote failed: %v", err)
	}
	if vote.Type != protocol.MsgVoteAbort {
		t.Fatalf("got vote type %s, want VOTE_ABORT", vote.Type)
	}
	if vote.Reason != "insufficient_balance" {
		t.Errorf("got reason %q, want insufficient_balance", vote.Reason)
	}
}

func TestServerConcurrentConnections(t *testing.T) {
	addr, stop := startTestServer(t, "a", map[string]int64{"acc1": 100})
	defer stop()

	// Hold one connection open and idle; a second one must still be served.
	idle, err := wire.Dial(addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer idle.Close()

	done := make(chan struct{})
	go func() {
		conn, err := wire.Dial(addr)
		if err != nil {
			t.Errorf("dial failed: %v", err)
			close(done)
			return
		}
		defer conn.Close()
		conn.Send(protocol.Read{Type: protocol.MsgRead, AccountID: "acc1"})
		var result protocol.ReadResult
		conn.Recv(&result)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent read to complete")
	}
}
