package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elmops/elm/internal/errs"
)

const (
	// MaxFrameSize bounds every frame on a stream transport.
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is the limit for every type except state updates.
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
)

const lengthPrefix = 4

// EncodeFrame prefixes payload with its big-endian uint32 length.
func EncodeFrame(payload []byte) ([]byte, error) {
	switch {
	case len(payload) == 0:
		return nil, fmt.Errorf("%w: empty frame", errs.ErrMalformedFrame)
	case len(payload) > MaxFrameSize:
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errs.ErrMalformedFrame, len(payload), MaxFrameSize)
	}
	out := make([]byte, lengthPrefix+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefix:], payload)
	return out, nil
}

// WriteFrame writes one length-prefixed frame in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// CapForType is the per-type limit used by ReadFrameCapped. Only state
// updates may exceed SoftMaxFrameSize.
func CapForType(t EventType) int {
	switch t {
	case SecureStoreUpdate, StoreUpdate:
		return MaxFrameSize
	default:
		return SoftMaxFrameSize
	}
}

// ReadFrame reads one frame checked only against MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameCapped(r, nil)
}

// ReadFrameCapped reads one frame. Frames larger than SoftMaxFrameSize
// have their type sniffed from the first bytes and are refused when they
// exceed capFor(type), before the rest of the body is read.
func ReadFrameCapped(r io.Reader, capFor func(EventType) int) ([]byte, error) {
	var hdr [lengthPrefix]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d", errs.ErrMalformedFrame, n)
	}
	body := make([]byte, n)
	read := 0
	if capFor != nil && n > SoftMaxFrameSize {
		read = min(n, TypeSniffBytes)
		if _, err := io.ReadFull(r, body[:read]); err != nil {
			return nil, err
		}
		t, ok := SniffType(body[:read])
		if !ok {
			return nil, fmt.Errorf("%w: large frame without a leading type", errs.ErrMalformedFrame)
		}
		if limit := capFor(EventType(t)); limit > 0 && n > limit {
			return nil, fmt.Errorf("%w: %d bytes too large for %s", errs.ErrMalformedFrame, n, t)
		}
	}
	if _, err := io.ReadFull(r, body[read:]); err != nil {
		return nil, err
	}
	return body, nil
}

// SniffType returns the top-level "type" field of a JSON frame. It reads
// tokens only up to that field, so a truncated prefix is enough as long as
// the type comes first.
func SniffType(data []byte) (string, bool) {
	if len(data) > TypeSniffBytes {
		data = data[:TypeSniffBytes]
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return "", false
		}
		if key == "type" {
			v, err := dec.Token()
			s, ok := v.(string)
			if err != nil || !ok || s == "" {
				return "", false
			}
			return s, true
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return "", false
		}
	}
	return "", false
}
