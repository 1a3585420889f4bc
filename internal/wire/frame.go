// Package wire implements the length-prefixed JSON framing shared by
// every TCP link in the system (client<->Scheduler, Scheduler<->
// Sequencer, Scheduler<->DB proxy), the wire-level DTOs mirroring the
// internal/msql and internal/txvn domain types, and the error-kind
// taxonomy every collaborator reports failures through.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's JSON body, guarding against a
// corrupt or hostile length header causing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// WriteFrame encodes v as JSON and writes it as one length-prefixed
// frame: a 32-bit big-endian byte count followed by the JSON body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("wire: frame body %d bytes exceeds MaxFrameSize %d", len(body), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and JSON-decodes its body
// into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err // EOF/io.ErrUnexpectedEOF propagate as-is so callers can detect clean disconnects
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return fmt.Errorf("wire: frame declares %d bytes, exceeds MaxFrameSize %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wire: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return nil
}
