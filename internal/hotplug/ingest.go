package hotplug

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/registry"
)

// Ingest is C8: it drains a Source, resolves vendor/product against a
// driver bundle database when an event doesn't already name a driver, and
// drives Registry.Add/Remove. It tracks the bus_path -> reader-names
// mapping Remove needs, per spec.md §4.8: "locates the slot by the
// bus_path it recorded at add time".
type Ingest struct {
	reg     *registry.Registry
	bundles *BundleDB

	mu    sync.Mutex
	byBus map[string][]string
}

func NewIngest(reg *registry.Registry, bundles *BundleDB) *Ingest {
	return &Ingest{
		reg:     reg,
		bundles: bundles,
		byBus:   make(map[string][]string),
	}
}

// Run drains src until ctx is cancelled or src's channel closes.
func (in *Ingest) Run(ctx context.Context, src Source) {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			in.handle(e)
		}
	}
}

func (in *Ingest) handle(e Event) {
	switch e.Action {
	case "add":
		in.handleAdd(e)
	case "remove":
		in.handleRemove(e)
	default:
		log.Warn().Str("action", e.Action).Msg("hotplug: unknown event action")
	}
}

func (in *Ingest) handleAdd(e Event) {
	libPath, friendlyName := e.LibPath, e.FriendlyName
	if libPath == "" {
		bundle, ok := in.bundles.Resolve(e.VendorID, e.ProductID)
		if !ok {
			log.Warn().
				Uint16("vendor", e.VendorID).Uint16("product", e.ProductID).
				Msg("hotplug: no driver bundle for device")
			return
		}
		libPath, friendlyName = bundle.LibPath, bundle.FriendlyName
	}

	displayName := disambiguate(friendlyName, e.InterfaceName, e.Serial)

	names, err := in.reg.Add(displayName, e.BusPath, libPath)
	if err != nil {
		log.Error().Err(err).Str("bus_path", e.BusPath).Msg("hotplug: add failed")
		return
	}

	in.mu.Lock()
	in.byBus[e.BusPath] = names
	in.mu.Unlock()
}

func (in *Ingest) handleRemove(e Event) {
	in.mu.Lock()
	names := in.byBus[e.BusPath]
	delete(in.byBus, e.BusPath)
	in.mu.Unlock()

	for _, name := range names {
		if err := in.reg.Remove(name); err != nil {
			log.Warn().Err(err).Str("reader", name).Msg("hotplug: remove failed")
		}
	}
}

// disambiguate appends the interface name and/or serial to friendlyName
// when present, per spec.md §4.8: "synthesizes a display name that
// appends the interface name and/or serial if either is present".
func disambiguate(friendlyName, interfaceName, serial string) string {
	var suffix []string
	if interfaceName != "" {
		suffix = append(suffix, interfaceName)
	}
	if serial != "" {
		suffix = append(suffix, serial)
	}
	if len(suffix) == 0 {
		return friendlyName
	}
	return friendlyName + " (" + strings.Join(suffix, " ") + ")"
}
