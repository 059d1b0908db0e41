package hotplug

import (
	"context"
	"encoding/json"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// deviceDescriptor is the drop-directory file format FsnotifySource reads:
// a small JSON sidecar naming the device that appeared, standing in for
// the libudev/libhal/CoreFoundation event payload spec.md names explicitly
// as out-of-scope OS collaborators.
type deviceDescriptor struct {
	VendorID      uint16 `json:"vendor_id"`
	ProductID     uint16 `json:"product_id"`
	Serial        string `json:"serial"`
	InterfaceName string `json:"interface_name"`
}

// eventQueueCap bounds FsnotifySource's channel so a slow Ingest never
// blocks the fsnotify watch loop; events are dropped past this point.
const eventQueueCap = 16

// FsnotifySource watches a directory for device-descriptor files being
// created (hotplug add) or removed (hotplug remove), using fsnotify as a
// cgo-free stand-in for the OS discovery mechanisms spec.md calls out of
// scope.
type FsnotifySource struct {
	events chan Event
}

// WatchDir starts watching dir and returns a FsnotifySource whose Events
// channel is closed once ctx is cancelled.
func WatchDir(ctx context.Context, dir string) (*FsnotifySource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	s := &FsnotifySource{events: make(chan Event, eventQueueCap)}
	go s.run(ctx, watcher)
	return s, nil
}

func (s *FsnotifySource) Events() <-chan Event { return s.events }

func (s *FsnotifySource) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleFsEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("hotplug: fsnotify error")
		}
	}
}

func (s *FsnotifySource) handleFsEvent(ev fsnotify.Event) {
	busPath := ev.Name
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		desc, err := readDescriptor(ev.Name)
		if err != nil {
			log.Warn().Err(err).Str("path", ev.Name).Msg("hotplug: unreadable device descriptor")
			return
		}
		s.emit(Event{
			Action:        "add",
			VendorID:      desc.VendorID,
			ProductID:     desc.ProductID,
			Serial:        desc.Serial,
			InterfaceName: desc.InterfaceName,
			BusPath:       busPath,
		})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.emit(Event{Action: "remove", BusPath: busPath})
	}
}

func (s *FsnotifySource) emit(e Event) {
	select {
	case s.events <- e:
	default:
		log.Warn().Str("bus_path", e.BusPath).Msg("hotplug: event dropped, consumer too slow")
	}
}

func readDescriptor(path string) (deviceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return deviceDescriptor{}, err
	}
	var d deviceDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return deviceDescriptor{}, err
	}
	return d, nil
}
