package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/elmops/elm/internal/errs"
)

func TestLengthPrefixRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"SECURE_STORE_ACTION","payload":{}}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameReadWithTypeCap(t *testing.T) {
	var buf bytes.Buffer
	big := `{"type":"SECURE_STORE_ACTION","payload":"` + strings.Repeat("a", SoftMaxFrameSize) + `"}`
	if err := WriteFrame(&buf, []byte(big)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := ReadFrameCapped(&buf, CapForType); err == nil {
		t.Fatalf("expected oversized action to be rejected")
	}

	buf.Reset()
	update := `{"type":"SECURE_STORE_UPDATE","payload":"` + strings.Repeat("a", SoftMaxFrameSize) + `"}`
	if err := WriteFrame(&buf, []byte(update)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrameCapped(&buf, CapForType)
	if err != nil {
		t.Fatalf("ReadFrameCapped failed: %v", err)
	}
	if len(got) != len(update) {
		t.Fatalf("short read: %d", len(got))
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected error for zero-length frame")
	}
}

func TestSniffType(t *testing.T) {
	typ, ok := SniffType([]byte(`{"type":"ERROR","payload":{"code":"X"}}`))
	if !ok || typ != "ERROR" {
		t.Fatalf("unexpected sniff result %q %v", typ, ok)
	}
	if _, ok := SniffType([]byte(`{"payload":1}`)); ok {
		t.Fatalf("expected no type")
	}
	typ, ok = SniffType([]byte(`{"meta":{"type":"x"},"type":"STORE_UPDATE","payload":"aaaa`))
	if !ok || typ != "STORE_UPDATE" {
		t.Fatalf("nested type or truncation confused sniffing: %q %v", typ, ok)
	}
}

func TestReadFrameCappedRejectsUntypedLargeFrame(t *testing.T) {
	var buf bytes.Buffer
	body := `{"payload":"` + strings.Repeat("a", SoftMaxFrameSize) + `"}`
	if err := WriteFrame(&buf, []byte(body)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	_, err := ReadFrameCapped(&buf, CapForType)
	if !errors.Is(err, errs.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeFrameJSONRejectsUnknownType(t *testing.T) {
	_, err := DecodeFrameJSON([]byte(`{"type":"NOT_A_TYPE","payload":{}}`))
	if !errors.Is(err, errs.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeFrameJSONRejectsMissingPayload(t *testing.T) {
	for _, in := range []string{
		`{"type":"ERROR"}`,
		`{"type":"ERROR","payload":null}`,
		`not json`,
	} {
		if _, err := DecodeFrameJSON([]byte(in)); !errors.Is(err, errs.ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", in, err)
		}
	}
}

func TestDecodeFrameJSONRequiresEnvelopeForSignedTypes(t *testing.T) {
	_, err := DecodeFrameJSON([]byte(`{"type":"SECURE_STORE_ACTION","payload":{"type":"meeting/join"}}`))
	if !errors.Is(err, errs.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(Error, ErrorPayload{Code: errs.CodePermissionDenied, Message: "no"})
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	f.Meta = &Meta{Timestamp: 1, Sender: "host", Target: "peer"}
	data, err := EncodeFrameJSON(f)
	if err != nil {
		t.Fatalf("EncodeFrameJSON failed: %v", err)
	}
	got, err := DecodeFrameJSON(data)
	if err != nil {
		t.Fatalf("DecodeFrameJSON failed: %v", err)
	}
	if got.Meta == nil || got.Meta.Target != "peer" {
		t.Fatalf("meta lost: %+v", got.Meta)
	}
	p, err := DecodePayload[ErrorPayload](got)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if !errors.Is(p, errs.ErrPermissionDenied) {
		t.Fatalf("error payload does not unwrap to sentinel: %v", p)
	}
}

func TestNewActionOmitsNilPayload(t *testing.T) {
	a, err := NewAction("meeting/stop", nil)
	if err != nil {
		t.Fatalf("NewAction failed: %v", err)
	}
	data, _ := json.Marshal(a)
	if string(data) != `{"type":"meeting/stop"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}
