package hostsvc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/permission"
)

const prompterLogPrefix = "hostsvc:prompter"

type promptMessage struct {
	App         string   `json:"app"`
	Capability  string   `json:"capability"`
	Action      string   `json:"action"`
	SurfaceID   string   `json:"surfaceId"`
	Permissions []string `json:"permissions"`
}

type answerMessage struct {
	// Decision is grant, deny, forbid or cancel.
	Decision string `json:"decision"`
	Remember bool   `json:"remember"`
}

// Prompter implements permission.Prompter by asking the host to show its
// permission dialog.
type Prompter struct{ c *Client }

// Prompter returns the permission prompter.
func (c *Client) Prompter() *Prompter { return &Prompter{c: c} }

// Prompt returns at once; the answer arrives when the host replies. A
// failed or timed out prompt answers Cancel.
func (p *Prompter) Prompt(ctx context.Context, req permission.PromptRequest, answer func(permission.Answer)) error {
	msg := promptMessage{
		App:         req.App,
		Capability:  req.Capability,
		Action:      req.Action,
		SurfaceID:   string(req.Surface),
		Permissions: req.Permissions,
	}
	go func() {
		var out answerMessage
		ok, err := p.c.callWithin(ctx, p.c.promptTimeout, "permission", "prompt", msg, &out)
		if err != nil || !ok {
			slog.Warn(fmt.Sprintf("%s - prompt for %s/%s got no answer: %v", prompterLogPrefix, req.Capability, req.Action, err))
			answer(permission.Answer{Decision: permission.Cancel})
			return
		}
		answer(permission.Answer{Decision: parseDecision(out.Decision), Remember: out.Remember})
	}()
	return nil
}

func parseDecision(s string) permission.Decision {
	switch s {
	case "grant":
		return permission.Grant
	case "deny":
		return permission.Deny
	case "forbid":
		return permission.Forbid
	default:
		return permission.Cancel
	}
}
