package atr

import (
	"bytes"
	"testing"
)

func TestDecodeDirectT0NoHistorical(t *testing.T) {
	// TS=3B, T0=00 (no interface chars, no historicals)
	got, err := Decode([]byte{0x3B, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Convention != ConventionDirect {
		t.Errorf("convention = %v, want direct", got.Convention)
	}
	if got.CurrentProtocol != ProtocolT0 {
		t.Errorf("current protocol = %v, want T0", got.CurrentProtocol)
	}
	if got.AvailableProtocols != ProtocolT0 {
		t.Errorf("available = %v, want T0", got.AvailableProtocols)
	}
	if got.HasTCK {
		t.Errorf("unexpected TCK for T0-only card")
	}
}

func TestDecodeInverseConvention(t *testing.T) {
	got, err := Decode([]byte{0x3F, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Convention != ConventionInverse {
		t.Errorf("convention = %v, want inverse", got.Convention)
	}
}

func TestDecodeInvalidTS(t *testing.T) {
	if _, err := Decode([]byte{0x00, 0x00}); err == nil {
		t.Fatalf("expected error for invalid TS")
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{0x3B}); err == nil {
		t.Fatalf("expected error for short ATR")
	}
}

func TestDecodeWithHistoricalBytes(t *testing.T) {
	// TS=3B, T0=04 (K=4, no interface chars), 4 historical bytes.
	raw := []byte{0x3B, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got.Historical, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("historical = %x, want deadbeef", got.Historical)
	}
}

func TestDecodeT0AndT1WithTCK(t *testing.T) {
	// TS=3B, T0=80 (Y1=8 => TD1 present, K=0)
	// TD1=0x80 (Y2=8 => TD2 present, T=0 => current protocol T0)
	// TD2=0x01 (Y3=0 => no more interface chars, T=1 => T1 also available)
	// TCK required because T1 is available.
	raw := []byte{0x3B, 0x80, 0x80, 0x01, 0x40}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CurrentProtocol != ProtocolT0 {
		t.Errorf("current = %v, want T0", got.CurrentProtocol)
	}
	if !got.AvailableProtocols.Has(ProtocolT0) || !got.AvailableProtocols.Has(ProtocolT1) {
		t.Errorf("available = %v, want T0|T1", got.AvailableProtocols)
	}
	if !got.HasTCK {
		t.Errorf("expected TCK byte to be present")
	}
	if got.TCK != 0x40 {
		t.Errorf("TCK = %#02x, want 0x40", got.TCK)
	}
}

func TestProtocolString(t *testing.T) {
	cases := []struct {
		p    Protocol
		want string
	}{
		{ProtocolT0, "T0"},
		{ProtocolT1, "T1"},
		{ProtocolT0 | ProtocolT1, "T0|T1"},
		{ProtocolRaw, "RAW"},
		{ProtocolUndefined, "UNDEFINED"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Protocol(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}
