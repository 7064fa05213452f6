package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/defilantech/llmrund/internal/apperr"
)

// MaxFrameBytes is the size cap spec.md §4.8/§3 mandates for a single
// IPC frame, enforced before the payload buffer is allocated.
const MaxFrameBytes = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a declared frame length exceeds
// MaxFrameBytes.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// WriteFrame writes a 4-byte little-endian length prefix followed by
// the JSON encoding of msg.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return apperr.Wrap(apperr.CodeProtocolError, "encoding frame", err)
	}
	if len(payload) > MaxFrameBytes {
		return apperr.Wrap(apperr.CodeProtocolError, "encoding frame", ErrFrameTooLarge)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.Wrap(apperr.CodeProtocolError, "writing frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return apperr.Wrap(apperr.CodeProtocolError, "writing frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. The declared
// length is validated against MaxFrameBytes before any payload buffer
// is allocated, mirroring pkg/gguf's readString discipline of
// checking an untrusted count before trusting it with make().
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxFrameBytes {
		return Message{}, apperr.Wrap(apperr.CodeProtocolError, "reading frame", ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, apperr.Wrap(apperr.CodeProtocolError, "reading frame payload", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, apperr.Wrap(apperr.CodeProtocolError, "decoding frame", err)
	}
	return msg, nil
}
