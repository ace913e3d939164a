package catalog

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode is an action's invocation mode.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
	ModeEvent Mode = "event"
)

// Normalize is an action's parameter-normalization policy.
type Normalize string

const (
	NormalizeStructured Normalize = "structured"
	NormalizeRaw        Normalize = "raw"
)

// ExecutorKind names the execution context an action body runs on.
type ExecutorKind string

const (
	ExecutorSurface    ExecutorKind = "surface"
	ExecutorBackground ExecutorKind = "background"
)

// ActionDescriptor describes one action. Immutable once built.
type ActionDescriptor struct {
	capability  string
	name        string
	description string
	mode        Mode
	permissions []string
	normalize   Normalize
	executor    ExecutorKind
	disruptive  bool
	schemaDoc   json.RawMessage
	schema      *jsonschema.Schema
}

func (a *ActionDescriptor) Capability() string     { return a.capability }
func (a *ActionDescriptor) Name() string           { return a.name }
func (a *ActionDescriptor) Description() string    { return a.description }
func (a *ActionDescriptor) Mode() Mode             { return a.mode }
func (a *ActionDescriptor) Normalize() Normalize   { return a.normalize }
func (a *ActionDescriptor) Executor() ExecutorKind { return a.executor }

// Disruptive actions allow a single outstanding permission prompt per guard
// scope; a second request while one is pending is rejected.
func (a *ActionDescriptor) Disruptive() bool { return a.disruptive }

// Permissions returns a copy of the declared permission set.
func (a *ActionDescriptor) Permissions() []string {
	out := make([]string, len(a.permissions))
	copy(out, a.permissions)
	return out
}

// RequiresPermission reports whether any permission is declared.
func (a *ActionDescriptor) RequiresPermission() bool { return len(a.permissions) > 0 }

// Schema returns the input schema document, or nil.
func (a *ActionDescriptor) Schema() json.RawMessage { return a.schemaDoc }

// CapabilityDescriptor describes a capability and its ordered actions.
type CapabilityDescriptor struct {
	name            string
	description     string
	version         *semver.Version
	resident        bool
	requestCodeBase int
	actions         []*ActionDescriptor
	byName          map[string]*ActionDescriptor
}

func (c *CapabilityDescriptor) Name() string        { return c.name }
func (c *CapabilityDescriptor) Description() string { return c.description }
func (c *CapabilityDescriptor) Version() string     { return c.version.String() }

// Resident capabilities reuse one instance across requests; the others get
// a fresh instance per call.
func (c *CapabilityDescriptor) Resident() bool { return c.resident }

// RequestCodeBase is the start of the capability's request-code namespace.
func (c *CapabilityDescriptor) RequestCodeBase() int { return c.requestCodeBase }

// Action looks up an action by name.
func (c *CapabilityDescriptor) Action(name string) (*ActionDescriptor, bool) {
	a, ok := c.byName[name]
	return a, ok
}

// Actions returns the actions in declaration order.
func (c *CapabilityDescriptor) Actions() []*ActionDescriptor {
	out := make([]*ActionDescriptor, len(c.actions))
	copy(out, c.actions)
	return out
}
