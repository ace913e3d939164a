package hostsvc

import (
	"context"
	"fmt"

	"github.com/morezero/capability-bridge/pkg/capabilities/clipboard"
)

const clipboardLogPrefix = "hostsvc:clipboard"

type clipboardHandle struct {
	Handle string `json:"handle"`
	Text   string `json:"text,omitempty"`
}

// clipboardSession is a clipboard handle the host opened for one
// capability instance.
type clipboardSession struct {
	c      *Client
	handle string
}

// ClipboardOpener returns a clipboard.Opener that opens a host clipboard
// session per capability instance.
func (c *Client) ClipboardOpener() clipboard.Opener {
	return func() (clipboard.Service, error) {
		var h clipboardHandle
		ok, err := c.call(context.Background(), "clipboard", "open", nil, &h)
		if err != nil {
			return nil, err
		}
		if !ok || h.Handle == "" {
			return nil, fmt.Errorf("%s - host returned no clipboard handle", clipboardLogPrefix)
		}
		return &clipboardSession{c: c, handle: h.Handle}, nil
	}
}

func (s *clipboardSession) SetText(ctx context.Context, text string) error {
	_, err := s.c.call(ctx, "clipboard", "set", clipboardHandle{Handle: s.handle, Text: text}, nil)
	return err
}

func (s *clipboardSession) Text(ctx context.Context) (string, error) {
	var out clipboardHandle
	if _, err := s.c.call(ctx, "clipboard", "get", clipboardHandle{Handle: s.handle}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Close releases the host session.
func (s *clipboardSession) Close() error {
	_, err := s.c.call(context.Background(), "clipboard", "close", clipboardHandle{Handle: s.handle}, nil)
	return err
}
