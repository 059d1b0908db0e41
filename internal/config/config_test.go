package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseReaderConfMissingFileIsNotAnError(t *testing.T) {
	stanzas, err := ParseReaderConf(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stanzas) != 0 {
		t.Fatalf("expected no stanzas, got %v", stanzas)
	}
}

func TestParseReaderConfSingleStanza(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.conf")
	contents := "FRIENDLYNAME \"ACS ACR122U\"\nDEVICENAME /dev/bus/usb/001/004\nLIBPATH /usr/lib/pcsc/drivers/acr122u.so\nCHANNELID 0x0001\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	stanzas, err := ParseReaderConf(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stanzas) != 1 {
		t.Fatalf("expected 1 stanza, got %d", len(stanzas))
	}
	want := ReaderStanza{
		FriendlyName: "ACS ACR122U",
		DeviceName:   "/dev/bus/usb/001/004",
		LibPath:      "/usr/lib/pcsc/drivers/acr122u.so",
		ChannelID:    1,
	}
	if stanzas[0] != want {
		t.Fatalf("got %+v, want %+v", stanzas[0], want)
	}
}

func TestParseReaderConfMultipleStanzasAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.conf")
	contents := `# a comment
FRIENDLYNAME "Reader One"
DEVICENAME /dev/one
LIBPATH /lib/one.so
CHANNELID 0

FRIENDLYNAME "Reader Two"
DEVICENAME /dev/two
LIBPATH /lib/two.so
CHANNELID 1
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	stanzas, err := ParseReaderConf(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stanzas) != 2 {
		t.Fatalf("expected 2 stanzas, got %d: %+v", len(stanzas), stanzas)
	}
	if stanzas[0].FriendlyName != "Reader One" || stanzas[1].FriendlyName != "Reader Two" {
		t.Fatalf("unexpected stanza order: %+v", stanzas)
	}
}

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath == "" {
		t.Fatalf("expected a default socket path")
	}
	if cfg.ShutdownTimeout <= 0 {
		t.Fatalf("expected a positive default shutdown timeout")
	}
}
