// Package eventbus implements the length-prefixed JSON event bus described
// in spec.md §4.5 and §6: a long-lived bidirectional message channel shared
// by client↔control and client↔worker sockets.
package eventbus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// maxFrameBytes bounds a single envelope to guard against a corrupt length
// prefix turning into an unbounded allocation.
const maxFrameBytes = 64 << 20

// writeFrame writes a uint32 big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// WriteEnvelope frames and writes one envelope.
func WriteEnvelope(w io.Writer, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return writeFrame(w, data)
}

// ReadEnvelope reads and unmarshals one envelope.
func ReadEnvelope(r io.Reader) (model.Envelope, error) {
	var env model.Envelope
	data, err := readFrame(r)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
