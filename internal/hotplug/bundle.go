package hotplug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// DriverBundle is one on-disk driver descriptor: a (vendor, product,
// friendly_name) triple plus a library path, parsed from a small TOML
// file living in the bundle directory — this corpus's config-loading
// story for structured descriptors is viper/TOML, not an Info.plist
// parser.
type DriverBundle struct {
	LibPath      string `mapstructure:"lib_path"`
	FriendlyName string `mapstructure:"friendly_name"`
	Vendor       uint16 `mapstructure:"vendor"`
	Product      uint16 `mapstructure:"product"`

	// ClassDriver bundles match on Vendor alone; they are only tried
	// when no vendor+product-specific bundle matches.
	ClassDriver bool `mapstructure:"class_driver"`
}

// BundleDB resolves a (vendor, product) pair to the bundle that should
// handle it, vendor-specific bundles winning over class drivers per
// spec.md §4.8.
type BundleDB struct {
	mu       sync.RWMutex
	specific map[[2]uint16]DriverBundle
	class    map[uint16]DriverBundle
}

func NewBundleDB() *BundleDB {
	return &BundleDB{
		specific: make(map[[2]uint16]DriverBundle),
		class:    make(map[uint16]DriverBundle),
	}
}

// LoadDir parses every *.toml file in dir as a DriverBundle. A missing
// directory is not an error, mirroring ParseReaderConf's tolerance of a
// static config that simply doesn't exist yet.
func (db *BundleDB) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hotplug: read bundle dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		if err := db.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (db *BundleDB) loadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("hotplug: read bundle %s: %w", path, err)
	}
	var b DriverBundle
	if err := v.Unmarshal(&b); err != nil {
		return fmt.Errorf("hotplug: parse bundle %s: %w", path, err)
	}
	db.Add(b)
	return nil
}

// Add registers b directly, for StaticSource-style synthetic bundles and
// tests that would rather not write a TOML file to disk.
func (db *BundleDB) Add(b DriverBundle) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if b.ClassDriver {
		db.class[b.Vendor] = b
		return
	}
	db.specific[[2]uint16{b.Vendor, b.Product}] = b
}

// Resolve finds the bundle that should drive a (vendor, product) device,
// preferring an exact match over a vendor-only class driver.
func (db *BundleDB) Resolve(vendor, product uint16) (DriverBundle, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if b, ok := db.specific[[2]uint16{vendor, product}]; ok {
		return b, true
	}
	if b, ok := db.class[vendor]; ok {
		return b, true
	}
	return DriverBundle{}, false
}
