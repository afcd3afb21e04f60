package dap

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
)

// Transport reads and writes DAP messages over a stream. Writes from
// several goroutines are serialized; reads must come from one goroutine.
type Transport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer

	writeMu sync.Mutex
	seq     atomic.Int64
	closed  atomic.Bool
}

// NewTransport wraps rwc.
func NewTransport(rwc io.ReadWriteCloser) *Transport {
	return &Transport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
		writer: bufio.NewWriter(rwc),
	}
}

// NextSeq reserves the next outgoing sequence number for a message the
// caller numbers itself.
func (t *Transport) NextSeq() int {
	return int(t.seq.Add(1))
}

// protocolMessage returns the header of msg when it is one of the three
// DAP message kinds.
func protocolMessage(msg dap.Message) *dap.ProtocolMessage {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		return &m.GetResponse().ProtocolMessage
	case dap.EventMessage:
		return &m.GetEvent().ProtocolMessage
	case dap.RequestMessage:
		return &m.GetRequest().ProtocolMessage
	}
	return nil
}

// ReadMessage blocks until the next message arrives.
func (t *Transport) ReadMessage() (dap.Message, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read DAP message: %w", err)
	}
	return msg, nil
}

// WriteMessage writes and flushes one message. A message whose Seq is zero
// is given the next sequence number while the write lock is held.
func (t *Transport) WriteMessage(msg dap.Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Unnumbered messages are numbered here so seq follows wire order.
	if pm := protocolMessage(msg); pm != nil && pm.Seq == 0 {
		pm.Seq = t.NextSeq()
	}

	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

// Close closes the underlying stream. It is idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.rwc.Close()
}
