package coordinator

import (
	"context"
	"fmt"
	"net"

	json "github.com/goccy/go-json"

	"github.com/ledgerfabric/ledger2pc/pkg/protocol"
	"github.com/ledgerfabric/ledger2pc/pkg/wire"
)

func unmarshalBody(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

func toProtocolOps(ops []Operation) []protocol.Operation {
	out := make([]protocol.Operation, len(ops))
	for i, op := range ops {
		out[i] = protocol.Operation{AccountID: op.AccountID, Delta: op.Delta}
	}
	return out
}

// sendPrepare dials addr, sends a PREPARE for txid/ops, and waits for the
// participant's vote. ctx's deadline, if any, bounds both the dial and the
// round trip.
func sendPrepare(ctx context.Context, addr, txid string, ops []Operation) (vote bool, reason string, err error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, "", fmt.Errorf("coordinator: dial %s: %w", addr, err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.NetConn().SetDeadline(deadline)
	}

	req := protocol.Prepare{Type: protocol.MsgPrepare, TxID: txid, Operations: toProtocolOps(ops)}
	if err := conn.Send(req); err != nil {
		return false, "", fmt.Errorf("coordinator: send prepare to %s: %w", addr, err)
	}

	body, err := conn.ReadFrame()
	if err != nil {
		return false, "", fmt.Errorf("coordinator: read prepare vote from %s: %w", addr, err)
	}
	msgType, err := wire.TypeOf(body)
	if err != nil {
		return false, "", err
	}

	switch protocol.MsgType(msgType) {
	case protocol.MsgVoteCommit:
		return true, "", nil
	case protocol.MsgVoteAbort:
		var va protocol.VoteAbort
		if err := unmarshalBody(body, &va); err != nil {
			return false, "", err
		}
		return false, va.Reason, nil
	default:
		return false, "", fmt.Errorf("coordinator: unexpected response type %s from %s", msgType, addr)
	}
}

// sendCommit dials addr, sends a COMMIT for txid/ops, and waits for the ack.
func sendCommit(ctx context.Context, addr, txid string, ops []Operation) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: dial %s: %w", addr, err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.NetConn().SetDeadline(deadline)
	}

	req := protocol.Commit{Type: protocol.MsgCommit, TxID: txid, Operations: toProtocolOps(ops)}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("coordinator: send commit to %s: %w", addr, err)
	}
	return recvAck(conn, addr)
}

// sendAbort dials addr and sends an ABORT for txid, best-effort.
func sendAbort(ctx context.Context, addr, txid string) error {
	conn, err := wire.Dial(addr)
	if err != nil {
		return fmt.Errorf("coordinator: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.NetConn().SetDeadline(deadline)
	}

	req := protocol.Abort{Type: protocol.MsgAbort, TxID: txid}
	if err := conn.Send(req); err != nil {
		return fmt.Errorf("coordinator: send abort to %s: %w", addr, err)
	}
	return recvAck(conn, addr)
}

func recvAck(conn *wire.Conn, addr string) error {
	body, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("coordinator: read ack from %s: %w", addr, err)
	}
	msgType, err := wire.TypeOf(body)
	if err != nil {
		return err
	}
	if protocol.MsgType(msgType) != protocol.MsgAck {
		return fmt.Errorf("coordinator: unexpected response type %s from %s", msgType, addr)
	}
	return nil
}
