// Package capabilities binds the reference capability handlers to a
// dispatcher.
package capabilities

import (
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/capabilities/accelerometer"
	"github.com/morezero/capability-bridge/pkg/capabilities/battery"
	"github.com/morezero/capability-bridge/pkg/capabilities/brightness"
	"github.com/morezero/capability-bridge/pkg/capabilities/clipboard"
	"github.com/morezero/capability-bridge/pkg/capabilities/contact"
	"github.com/morezero/capability-bridge/pkg/capabilities/host"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/guard"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
	"github.com/morezero/capability-bridge/pkg/relay"
)

const logPrefix = "capabilities:register"

// Services are the platform services behind the reference capabilities. A
// nil service makes its capability answer SERVICE_UNAVAILABLE (battery:
// ERROR).
type Services struct {
	Battery   battery.Service
	Picker    contact.Picker
	Directory contact.Directory
	Display   brightness.Display
	Clipboard clipboard.Opener
	Sensor    accelerometer.Sensor
}

// RegisterParams holds what the handlers need from the core.
type RegisterParams struct {
	Dispatcher *dispatcher.Dispatcher
	Lifecycle  *lifecycle.Registry
	Guards     *guard.Guards
	Relay      *relay.Relay
	Services   Services
}

// CatalogOptions returns the catalog options the reference capabilities
// rely on.
func CatalogOptions() []catalog.Option {
	return []catalog.Option{brightness.CatalogOption()}
}

// Register binds every reference capability present in the dispatcher's
// catalog. Capabilities the catalog leaves out are skipped.
func Register(p RegisterParams) error {
	cat := p.Dispatcher.Catalog()
	factories := map[string]func(*catalog.CapabilityDescriptor) dispatcher.Factory{
		battery.Name: func(*catalog.CapabilityDescriptor) dispatcher.Factory {
			return battery.Factory(p.Services.Battery)
		},
		contact.Name: func(c *catalog.CapabilityDescriptor) dispatcher.Factory {
			return contact.Factory(contact.Params{
				Picker:          p.Services.Picker,
				Directory:       p.Services.Directory,
				Lifecycle:       p.Lifecycle,
				Guards:          p.Guards,
				RequestCodeBase: c.RequestCodeBase(),
			})
		},
		brightness.Name: func(*catalog.CapabilityDescriptor) dispatcher.Factory {
			return brightness.Factory(p.Services.Display)
		},
		clipboard.Name: func(*catalog.CapabilityDescriptor) dispatcher.Factory {
			return clipboard.Factory(p.Services.Clipboard)
		},
		accelerometer.Name: func(*catalog.CapabilityDescriptor) dispatcher.Factory {
			return accelerometer.Factory(p.Services.Sensor)
		},
		host.Name: func(*catalog.CapabilityDescriptor) dispatcher.Factory {
			return host.Factory(p.Relay)
		},
	}

	for _, name := range cat.Names() {
		build, ok := factories[name]
		if !ok {
			continue
		}
		desc, _ := cat.Lookup(name)
		if err := p.Dispatcher.Register(name, build(desc)); err != nil {
			return fmt.Errorf("%s - register %s: %w", logPrefix, name, err)
		}
	}
	for name := range factories {
		if _, ok := cat.Lookup(name); !ok {
			slog.Info(fmt.Sprintf("%s - %s is not in the catalog, skipped", logPrefix, name))
		}
	}
	return nil
}
