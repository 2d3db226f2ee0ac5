// Package wire implements the shared transport primitive used by every
// connection in this system: a 4-byte big-endian length prefix followed by
// that many bytes of UTF-8 JSON. Used uniformly by coordinator<->participant
// and client<->coordinator, per the framing contract in the spec.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
)

// MaxFrameSize bounds a single frame to guard against a corrupt or hostile
// length prefix turning into an unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// WriteFrame encodes v as JSON and writes it to w as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}

	if len(body) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its raw JSON body.
// EOF mid-frame (including a short read of the length prefix itself) is
// reported as a transport error, per the framing contract.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}

// ReadMessage reads one frame and unmarshals it into v.
func ReadMessage(r io.Reader, v any) error {
	body, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}

// TypeOf peeks at a frame's "type" discriminator without fully decoding it.
func TypeOf(body []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env.Type, nil
}

// Conn bundles a net.Conn with a buffered reader, matching the canonical
// one-request-one-response pattern while still permitting long-lived use.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
}

// NewConn wraps an established TCP connection for framed request/response use.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReader(nc)}
}

// Dial opens a fresh TCP connection to addr and wraps it.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

func (c *Conn) Close() error { return c.nc.Close() }

// Send writes one framed message.
func (c *Conn) Send(v any) error { return WriteFrame(c.nc, v) }

// ReadFrame reads one framed message's raw JSON body via the buffered reader.
func (c *Conn) ReadFrame() ([]byte, error) { return ReadFrame(c.reader) }

// Recv reads one framed message into v via the buffered reader.
func (c *Conn) Recv(v any) error { return ReadMessage(c.reader, v) }

// NetConn exposes the underlying connection, e.g. for setting deadlines.
func (c *Conn) NetConn() net.Conn { return c.nc }
