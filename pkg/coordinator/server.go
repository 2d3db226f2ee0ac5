package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/ledgerfabric/ledger2pc/pkg/protocol"
	"github.com/ledgerfabric/ledger2pc/pkg/wire"
)

// Server exposes a Coordinator to clients over the length-framed TCP
// protocol in §4.3, accepting TRANSFER requests and replying with
// TRANSFER_RESULT (§4.1's public contract, §6).
type Server struct {
	c        *Coordinator
	addr     string
	listener net.Listener
}

// NewServer wraps a Coordinator for TCP serving at addr (host:port).
func NewServer(c *Coordinator, addr string) *Server {
	return &Server{c: c, addr: addr}
}

// ListenAndServe binds addr and serves client connections until Close is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("[Coordinator] listening on %s", s.addr)

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
				log.Printf("[Coordinator] connection error: %v", err)
			}
			return
		}

		resp, err := s.dispatch(body)
		if err != nil {
			log.Printf("[Coordinator] request error: %v", err)
			return
		}
		if err := c.Send(resp); err != nil {
			log.Printf("[Coordinator] write error: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(body []byte) (any, error) {
	msgType, err := wire.TypeOf(body)
	if err != nil {
		return nil, err
	}

	if protocol.MsgType(msgType) != protocol.MsgTransfer {
		return nil, errors.New("coordinator: unknown message type " + msgType)
	}

	var req protocol.Transfer
	if err := unmarshalBody(body, &req); err != nil {
		return nil, err
	}

	outcome, err := s.c.Transfer(context.Background(), TransferRequest{
		FromNode:    req.FromNode,
		FromAccount: req.FromAccount,
		ToNode:      req.ToNode,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
	})
	if err != nil {
		log.Printf("[Coordinator] transfer failed: %v", err)
		return protocol.TransferResult{Type: protocol.MsgTransferResult, Success: false, Reason: "internal_error"}, nil
	}

	return protocol.TransferResult{
		Type:    protocol.MsgTransferResult,
		Success: outcome.Success,
		TxID:    outcome.TxID,
		Reason:  outcome.Reason,
	}, nil
}
