package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/ifd/ifdtest"
	"github.com/corcoran/pcscd/internal/registry"
	"github.com/corcoran/pcscd/internal/session"
	"github.com/corcoran/pcscd/internal/wire"
	"github.com/corcoran/pcscd/pkg/pcsc"
)

func startTestServer(t *testing.T) (socketPath string, reg *registry.Registry, fake *ifdtest.Fake, stop func()) {
	t.Helper()

	fake = ifdtest.New()
	wrapper := ifd.NewWrapper(fake)
	slot := registry.NewSlotForTesting("Test Reader 00", wrapper)

	reg = registry.New()
	reg.InjectSlotForTesting(slot)

	hm := handle.NewManager()
	sm := session.NewManager(hm)
	srv := New(filepath.Join(t.TempDir(), fmt.Sprintf("pcscd-%d.comm", time.Now().UnixNano())), reg, hm, sm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(srv.path); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return srv.path, reg, fake, func() {
		cancel()
		<-done
	}
}

func TestEstablishListThenConnectFailsWithoutCard(t *testing.T) {
	path, _, fake, stop := startTestServer(t)
	defer stop()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}

	cli, err := pcsc.EstablishContext(path)
	if err != nil {
		t.Fatalf("EstablishContext: %v", err)
	}
	defer cli.Release()

	readers, err := cli.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders: %v", err)
	}
	if len(readers) != 1 || readers[0] != "Test Reader 00" {
		t.Fatalf("unexpected readers: %v", readers)
	}

	// The injected slot has no running event worker and starts with no
	// card published, so connect must fail SCARD_E_NO_SMARTCARD.
	h, err := cli.Connect("Test Reader 00", pcsc.ShareShared, pcsc.ProtocolAny)
	if err == nil {
		t.Fatalf("expected connect to fail before a card is published, got handle %+v", h)
	}
}

func TestEstablishConnectTransmitWithCardPresent(t *testing.T) {
	path, reg, fake, stop := startTestServer(t)
	defer stop()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}

	slot, err := reg.Lookup("Test Reader 00")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)

	cli, err := pcsc.EstablishContext(path)
	if err != nil {
		t.Fatalf("EstablishContext: %v", err)
	}
	defer cli.Release()

	h, err := cli.Connect("Test Reader 00", pcsc.ShareShared, pcsc.ProtocolAny)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	resp, err := h.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(resp) != 2 || resp[0] != 0x90 || resp[1] != 0x00 {
		t.Fatalf("unexpected transmit response: %x", resp)
	}

	if err := h.Disconnect(pcsc.Leave); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestReleaseContextCascadesOpenHandles(t *testing.T) {
	path, reg, fake, stop := startTestServer(t)
	defer stop()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}

	slot, err := reg.Lookup("Test Reader 00")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)

	cli, err := pcsc.EstablishContext(path)
	if err != nil {
		t.Fatalf("EstablishContext: %v", err)
	}

	if _, err := cli.Connect("Test Reader 00", pcsc.ShareExclusive, pcsc.ProtocolAny); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := cli.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if slot.SharingCount() != 0 {
		t.Fatalf("sharing count = %d, want 0 after context release cascade", slot.SharingCount())
	}
}

func TestClientDisconnectCascadesHandlesOnSocketClose(t *testing.T) {
	path, reg, fake, stop := startTestServer(t)
	defer stop()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}

	slot, err := reg.Lookup("Test Reader 00")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := wire.WriteMessage(conn, wire.Message{Header: wire.Header{Command: wire.CmdVersion}, Payload: wire.VersionPayload{Major: wire.ProtocolVersionMajor, Minor: wire.ProtocolVersionMinor}.Marshal()}); err != nil {
		t.Fatalf("write version: %v", err)
	}
	if _, err := wire.ReadMessage(conn); err != nil {
		t.Fatalf("read version reply: %v", err)
	}

	if err := wire.WriteMessage(conn, wire.Message{Header: wire.Header{Command: wire.CmdEstablishContext}, Payload: wire.EstablishContextPayload{}.Marshal()}); err != nil {
		t.Fatalf("write establish: %v", err)
	}
	establishResp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read establish reply: %v", err)
	}
	establishPayload, err := wire.UnmarshalEstablishContext(establishResp.Payload)
	if err != nil {
		t.Fatalf("unmarshal establish: %v", err)
	}

	connectReq := wire.ConnectPayload{
		Context:           establishPayload.Context,
		ReaderName:        "Test Reader 00",
		ShareMode:         1, // exclusive
		PreferredProtocol: 0,
	}
	if err := wire.WriteMessage(conn, wire.Message{Header: wire.Header{Command: wire.CmdConnect}, Payload: connectReq.Marshal()}); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	connectResp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	connectPayload, err := wire.UnmarshalConnect(connectResp.Payload)
	if err != nil {
		t.Fatalf("unmarshal connect: %v", err)
	}
	if connectPayload.RV != 0 {
		t.Fatalf("connect rv = %#x, want success", connectPayload.RV)
	}

	if slot.SharingCount() == 0 {
		t.Fatalf("expected nonzero sharing count after exclusive connect")
	}

	// Kill the client without a clean RELEASE_CONTEXT: the server must
	// observe the EOF and cascade-disconnect the handle.
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if slot.SharingCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sharing count did not reach 0 after client disconnect, got %d", slot.SharingCount())
}
