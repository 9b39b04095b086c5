package proto

import (
	"bytes"
	"testing"

	"github.com/elmops/elm/internal/testutil"
)

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			r := bytes.NewReader(data)
			_, _ = ReadFrameCapped(r, CapForType)
		})
	})
}

func FuzzDecodeFrameJSON(f *testing.F) {
	f.Add([]byte(`{"type":"SECURE_STORE_ACTION","payload":{"payload":"e30=","timestamp":1,"nonce":1,"senderId":"a","signature":"AA=="}}`))
	f.Add([]byte(`{"type":"ERROR","payload":{"code":"PERMISSION_DENIED","message":"x"}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			fr, err := DecodeFrameJSON(data)
			if err != nil {
				return
			}
			if !fr.Type.Known() {
				t.Fatalf("decoded unknown type %q", fr.Type)
			}
			if _, err := EncodeFrameJSON(fr); err != nil {
				t.Fatalf("re-encode failed: %v", err)
			}
		})
	})
}
