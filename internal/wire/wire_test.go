package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{UserID: 1000, GroupID: 1000, Command: CmdTransmit, RequestID: 42, Date: 1234567890}
	copy(h.Key[:], []byte("0123456789abcdef"))

	var buf bytes.Buffer
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := Message{
		Header:  Header{Command: CmdConnect, RequestID: 7},
		Payload: []byte{1, 2, 3, 4, 5},
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Header.Command != m.Header.Command || !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestMessageRejectsOversizedPayload(t *testing.T) {
	m := Message{Payload: make([]byte, MaxPayloadSize+1)}
	if err := WriteMessage(&bytes.Buffer{}, m); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestConnectPayloadRoundTrip(t *testing.T) {
	p := ConnectPayload{
		Context:           10,
		ReaderName:        "ACS ACR122U 00 00",
		ShareMode:         2,
		PreferredProtocol: 3,
		Handle:            99,
		ActiveProtocol:    1,
		RV:                0,
	}
	got, err := UnmarshalConnect(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestTransmitPayloadRoundTrip(t *testing.T) {
	p := TransmitPayload{
		Handle:     5,
		SendPCI:    1,
		SendBuffer: []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x3F, 0x00},
		RecvPCI:    1,
		RecvBuffer: []byte{0x90, 0x00},
		RV:         0,
	}
	got, err := UnmarshalTransmit(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Handle != p.Handle || !bytes.Equal(got.SendBuffer, p.SendBuffer) || !bytes.Equal(got.RecvBuffer, p.RecvBuffer) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestTransmitPayloadRejectsOutOfRangeLength(t *testing.T) {
	buf := make([]byte, 12)
	putU32(buf[8:12], uint32(MaxBufferSizeExtended+1))
	if _, err := UnmarshalTransmit(buf); err == nil {
		t.Fatalf("expected error for out-of-range send length")
	}
}

func TestListReadersPayloadRoundTrip(t *testing.T) {
	p := ListReadersPayload{Context: 1, Readers: []string{"Reader A", "Reader B"}, RV: 0}
	got, err := UnmarshalListReaders(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Readers) != 2 || got.Readers[0] != "Reader A" || got.Readers[1] != "Reader B" {
		t.Fatalf("readers mismatch: %+v", got.Readers)
	}
}

func TestListReadersEmpty(t *testing.T) {
	p := ListReadersPayload{Context: 1, Readers: nil, RV: 0}
	got, err := UnmarshalListReaders(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Readers) != 0 {
		t.Fatalf("expected no readers, got %v", got.Readers)
	}
}

func TestGetStatusChangePayloadRoundTrip(t *testing.T) {
	p := GetStatusChangePayload{
		Context: 1,
		Timeout: -1,
		States: []ReaderStateEntry{
			{ReaderName: "R1", CurrentState: 0, EventState: 0x20, ATR: []byte{0x3B, 0x00}},
		},
		RV: 0,
	}
	got, err := UnmarshalGetStatusChange(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.States) != 1 || got.States[0].ReaderName != "R1" || !bytes.Equal(got.States[0].ATR, []byte{0x3B, 0x00}) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
