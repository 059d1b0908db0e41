package hotplug

import (
	"testing"

	"github.com/corcoran/pcscd/internal/config"
)

func TestBundleDBVendorSpecificWinsOverClassDriver(t *testing.T) {
	db := NewBundleDB()
	db.Add(DriverBundle{Vendor: 0x072f, Product: 0, ClassDriver: true, LibPath: "/lib/ccid.so", FriendlyName: "Generic CCID"})
	db.Add(DriverBundle{Vendor: 0x072f, Product: 0x2200, LibPath: "/lib/acr122u.so", FriendlyName: "ACS ACR122U"})

	b, ok := db.Resolve(0x072f, 0x2200)
	if !ok {
		t.Fatalf("expected a match")
	}
	if b.LibPath != "/lib/acr122u.so" {
		t.Fatalf("expected vendor-specific bundle to win, got %+v", b)
	}
}

func TestBundleDBFallsBackToClassDriver(t *testing.T) {
	db := NewBundleDB()
	db.Add(DriverBundle{Vendor: 0x072f, Product: 0, ClassDriver: true, LibPath: "/lib/ccid.so", FriendlyName: "Generic CCID"})

	b, ok := db.Resolve(0x072f, 0x9999)
	if !ok {
		t.Fatalf("expected class driver fallback to match")
	}
	if b.LibPath != "/lib/ccid.so" {
		t.Fatalf("expected class driver, got %+v", b)
	}
}

func TestBundleDBNoMatch(t *testing.T) {
	db := NewBundleDB()
	if _, ok := db.Resolve(0x1234, 0x5678); ok {
		t.Fatalf("expected no match on an empty database")
	}
}

func TestBundleDBLoadDirMissingIsNotAnError(t *testing.T) {
	db := NewBundleDB()
	if err := db.LoadDir(t.TempDir() + "/does-not-exist"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDisambiguateAppendsInterfaceAndSerial(t *testing.T) {
	cases := []struct {
		friendly, iface, serial, want string
	}{
		{"ACS ACR122U", "", "", "ACS ACR122U"},
		{"ACS ACR122U", "00", "", "ACS ACR122U (00)"},
		{"ACS ACR122U", "", "SN123", "ACS ACR122U (SN123)"},
		{"ACS ACR122U", "00", "SN123", "ACS ACR122U (00 SN123)"},
	}
	for _, c := range cases {
		got := disambiguate(c.friendly, c.iface, c.serial)
		if got != c.want {
			t.Errorf("disambiguate(%q,%q,%q) = %q, want %q", c.friendly, c.iface, c.serial, got, c.want)
		}
	}
}

func TestStaticSourceEmitsOneAddPerStanza(t *testing.T) {
	stanzas := []config.ReaderStanza{
		{FriendlyName: "Reader One", DeviceName: "/dev/one", LibPath: "/lib/one.so", ChannelID: 0},
		{FriendlyName: "Reader Two", DeviceName: "/dev/two", LibPath: "/lib/two.so", ChannelID: 1},
	}
	src := NewStaticSource(stanzas)

	var got []Event
	for e := range src.Events() {
		got = append(got, e)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Action != "add" {
			t.Errorf("event %d: expected action add, got %q", i, e.Action)
		}
		if e.LibPath != stanzas[i].LibPath || e.FriendlyName != stanzas[i].FriendlyName || e.BusPath != stanzas[i].DeviceName {
			t.Errorf("event %d: got %+v, want stanza %+v", i, e, stanzas[i])
		}
	}
}
