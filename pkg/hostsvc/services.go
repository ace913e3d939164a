package hostsvc

import (
	"context"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/capabilities/battery"
	"github.com/morezero/capability-bridge/pkg/capabilities/contact"
)

// Battery implements battery.Service.
type Battery struct{ c *Client }

// Battery returns the battery service.
func (c *Client) Battery() *Battery { return &Battery{c: c} }

// Status asks the host for a battery report. A host that has nothing to
// report answers with no data, which yields a nil report.
func (b *Battery) Status(ctx context.Context) (*battery.Report, error) {
	var r battery.Report
	ok, err := b.c.call(ctx, "battery", "status", nil, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// Contacts implements contact.Picker and contact.Directory.
type Contacts struct{ c *Client }

// Contacts returns the contact service.
func (c *Client) Contacts() *Contacts { return &Contacts{c: c} }

type pickRequest struct {
	SurfaceID   bridge.SurfaceID `json:"surfaceId"`
	RequestCode int              `json:"requestCode"`
}

// StartPick asks the host to open its picker. The host publishes the
// outcome as a surface result carrying requestCode.
func (s *Contacts) StartPick(ctx context.Context, surface bridge.SurfaceID, requestCode int) error {
	_, err := s.c.call(ctx, "contact", "pick", pickRequest{SurfaceID: surface, RequestCode: requestCode}, nil)
	return err
}

// List reads the address book.
func (s *Contacts) List(ctx context.Context) ([]contact.Contact, error) {
	var out []contact.Contact
	if _, err := s.c.call(ctx, "contact", "list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Display implements brightness.Display.
type Display struct{ c *Client }

// Display returns the display service.
func (c *Client) Display() *Display { return &Display{c: c} }

type brightnessMessage struct {
	SurfaceID bridge.SurfaceID `json:"surfaceId"`
	Value     int              `json:"value"`
}

// Brightness reads the surface's brightness.
func (d *Display) Brightness(ctx context.Context, surface bridge.SurfaceID) (int, error) {
	var out brightnessMessage
	if _, err := d.c.call(ctx, "brightness", "get", brightnessMessage{SurfaceID: surface}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// SetBrightness sets the surface's brightness.
func (d *Display) SetBrightness(ctx context.Context, surface bridge.SurfaceID, value int) error {
	_, err := d.c.call(ctx, "brightness", "set", brightnessMessage{SurfaceID: surface, Value: value}, nil)
	return err
}
