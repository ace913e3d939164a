package permission

import (
	"context"
	"fmt"
	"log/slog"
)

const providerLogPrefix = "permission:provider"

// Outcome is the gate's answer for a request.
type Outcome int

const (
	Granted Outcome = iota
	Denied
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Pending:
		return "pending"
	}
	return "unknown"
}

// Verdict is the result of a permission check or prompt. Missing lists the
// permissions still needing a decision when Pending. Forbidden is set when
// the denial comes from a "never ask again" decision.
type Verdict struct {
	Outcome   Outcome
	Missing   []string
	Forbidden bool
}

// Provider decides permission state for an app.
type Provider interface {
	Check(ctx context.Context, app string, permissions []string) (Verdict, error)
	Record(ctx context.Context, app string, permissions []string, mode Mode) error
}

// StoreProvider answers from a GrantStore. Permissions with no stored
// decision fall back to the default mode.
type StoreProvider struct {
	store       GrantStore
	defaultMode Mode
}

// NewStoreProvider creates a StoreProvider defaulting to ModePrompt.
func NewStoreProvider(store GrantStore) *StoreProvider {
	return &StoreProvider{store: store, defaultMode: ModePrompt}
}

// WithDefaultMode changes the mode used for undecided permissions.
func (p *StoreProvider) WithDefaultMode(m Mode) *StoreProvider {
	p.defaultMode = m
	return p
}

// Check denies if any permission is rejected or forbidden, and is pending
// if any needs a prompt.
func (p *StoreProvider) Check(ctx context.Context, app string, permissions []string) (Verdict, error) {
	var missing []string
	for _, perm := range permissions {
		raw, err := p.store.GetGrant(ctx, app, perm)
		if err != nil {
			return Verdict{}, fmt.Errorf("%s - load grant %s for %s: %w", providerLogPrefix, perm, app, err)
		}
		mode, err := ParseMode(raw)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s for %s: %v, prompting", providerLogPrefix, perm, app, err))
			mode = ModePrompt
		}
		if raw == "" {
			mode = p.defaultMode
		}
		switch mode {
		case ModeForbidden:
			return Verdict{Outcome: Denied, Forbidden: true}, nil
		case ModeReject:
			return Verdict{Outcome: Denied}, nil
		case ModePrompt:
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		return Verdict{Outcome: Pending, Missing: missing}, nil
	}
	return Verdict{Outcome: Granted}, nil
}

// Record stores mode for every permission.
func (p *StoreProvider) Record(ctx context.Context, app string, permissions []string, mode Mode) error {
	for _, perm := range permissions {
		if err := p.store.PutGrant(ctx, app, perm, string(mode)); err != nil {
			return fmt.Errorf("%s - store grant %s for %s: %w", providerLogPrefix, perm, app, err)
		}
	}
	return nil
}

type allowAll struct{}

// AllowAll grants everything and records nothing.
var AllowAll Provider = allowAll{}

func (allowAll) Check(context.Context, string, []string) (Verdict, error) {
	return Verdict{Outcome: Granted}, nil
}

func (allowAll) Record(context.Context, string, []string, Mode) error { return nil }
