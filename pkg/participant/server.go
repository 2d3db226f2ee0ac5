package participant

import (
	"errors"
	"io"
	"log"
	"net"

	json "github.com/goccy/go-json"

	"github.com/ledgerfabric/ledger2pc/pkg/protocol"
	"github.com/ledgerfabric/ledger2pc/pkg/wire"
)

func unmarshal(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// Server exposes a Participant over the length-framed TCP protocol in §4.3,
// handling PREPARE, COMMIT, ABORT, and READ requests (§4.2's public contract).
type Server struct {
	p        *Participant
	addr     string
	listener net.Listener
}

// NewServer wraps a Participant for TCP serving at addr (host:port).
func NewServer(p *Participant, addr string) *Server {
	return &Server{p: p, addr: addr}
}

// ListenAndServe binds addr and serves connections until Close is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("[Participant %s] listening on %s", s.p.ID, s.addr)
	return s.Serve(ln)
}

// Serve accepts connections off an already-bound listener until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	c := wire.NewConn(nc)

	for {
		body, err := c.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[Participant %s] connection error: %v", s.p.ID, err)
			}
			return
		}

		resp, err := s.dispatch(body)
		if err != nil {
			log.Printf("[Participant %s] request error: %v", s.p.ID, err)
			return
		}
		if err := c.Send(resp); err != nil {
			log.Printf("[Participant %s] write error: %v", s.p.ID, err)
			return
		}
	}
}

func (s *Server) dispatch(body []byte) (any, error) {
	msgType, err := wire.TypeOf(body)
	if err != nil {
		return nil, err
	}

	switch protocol.MsgType(msgType) {
	case protocol.MsgPrepare:
		return s.handlePrepare(body)
	case protocol.MsgCommit:
		return s.handleCommit(body)
	case protocol.MsgAbort:
		return s.handleAbort(body)
	case protocol.MsgRead:
		return s.handleRead(body)
	default:
		return nil, errUnknownMessage(msgType)
	}
}

func errUnknownMessage(t string) error {
	return errors.New("participant: unknown message type " + t)
}

func toParticipantOps(ops []protocol.Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = Operation{AccountID: op.AccountID, Delta: op.Delta}
	}
	return out
}

func (s *Server) handlePrepare(body []byte) (any, error) {
	var req protocol.Prepare
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}

	vote, reason, err := s.p.Prepare(req.TxID, toParticipantOps(req.Operations))
	if err != nil {
		return protocol.VoteAbort{Type: protocol.MsgVoteAbort, TxID: req.TxID, Reason: reason}, nil
	}
	if !vote {
		return protocol.VoteAbort{Type: protocol.MsgVoteAbort, TxID: req.TxID, Reason: reason}, nil
	}
	return protocol.VoteCommit{Type: protocol.MsgVoteCommit, TxID: req.TxID}, nil
}

func (s *Server) handleCommit(body []byte) (any, error) {
	var req protocol.Commit
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}

	if err := s.p.Commit(req.TxID, toParticipantOps(req.Operations)); err != nil {
		// A failed COMMIT apply gets no reply at all: the error goes back to
		// handleConn, which logs it and closes the connection. The
		// coordinator's read then fails, and its retry/backoff path treats
		// that as a failed delivery.
		return nil, err
	}
	return protocol.Ack{Type: protocol.MsgAck, TxID: req.TxID}, nil
}

func (s *Server) handleAbort(body []byte) (any, error) {
	var req protocol.Abort
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}

	if err := s.p.Abort(req.TxID); err != nil {
		return nil, err
	}
	return protocol.Ack{Type: protocol.MsgAck, TxID: req.TxID}, nil
}

func (s *Server) handleRead(body []byte) (any, error) {
	var req protocol.Read
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}

	balance := s.p.Read(req.AccountID)
	return protocol.ReadResult{Type: protocol.MsgReadResult, AccountID: req.AccountID, Balance: balance}, nil
}
