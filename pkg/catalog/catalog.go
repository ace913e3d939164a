// Package catalog is the immutable table of capability and action
// descriptors the dispatcher routes against. It is built once at startup
// and needs no locking afterwards.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

const logPrefix = "catalog:catalog"

// DefaultRequestCodeBase is where request-code allocation starts.
const DefaultRequestCodeBase = 1000

// Catalog is the built registry of capabilities.
type Catalog struct {
	caps        map[string]*CapabilityDescriptor
	names       []string
	hostVersion *semver.Version
}

// Option configures Build.
type Option func(*builder)

type builder struct {
	hostVersion string
	codeBase    int
	paramTypes  map[[2]string]any
	errors      []error
}

// WithHostVersion sets the host version that action `requires` constraints
// are checked against. Default "1.0.0".
func WithHostVersion(v string) Option {
	return func(b *builder) { b.hostVersion = v }
}

// WithRequestCodeBase sets the first capability's request-code base.
func WithRequestCodeBase(base int) Option {
	return func(b *builder) {
		if base < 0 {
			b.errors = append(b.errors, fmt.Errorf("%s - request code base must not be negative", logPrefix))
			return
		}
		b.codeBase = base
	}
}

// WithParamsType reflects v's type into the input schema of the given
// action, replacing any schema declared in metadata.
func WithParamsType(capability, action string, v any) Option {
	return func(b *builder) {
		if b.paramTypes == nil {
			b.paramTypes = make(map[[2]string]any)
		}
		b.paramTypes[[2]string{capability, action}] = v
	}
}

// Build validates meta and returns the immutable Catalog. Request-code bases
// are allocated in declaration order, one stride per capability.
func Build(meta *Metadata, opts ...Option) (*Catalog, error) {
	if meta == nil {
		return nil, fmt.Errorf("%s - metadata is nil", logPrefix)
	}
	b := &builder{hostVersion: "1.0.0", codeBase: DefaultRequestCodeBase}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	hostVersion, err := semver.NewVersion(b.hostVersion)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid host version %q: %w", logPrefix, b.hostVersion, err)
	}

	c := &Catalog{
		caps:        make(map[string]*CapabilityDescriptor, len(meta.Capabilities)),
		hostVersion: hostVersion,
	}
	nextBase := b.codeBase
	for _, cm := range meta.Capabilities {
		if cm.Name == "" {
			return nil, fmt.Errorf("%s - capability name is required", logPrefix)
		}
		if _, dup := c.caps[cm.Name]; dup {
			return nil, fmt.Errorf("%s - duplicate capability %q", logPrefix, cm.Name)
		}
		cd, err := b.buildCapability(cm, hostVersion, nextBase)
		if err != nil {
			return nil, err
		}
		c.caps[cm.Name] = cd
		c.names = append(c.names, cm.Name)
		nextBase += bridge.RequestCodeStride
	}

	for key := range b.paramTypes {
		cd, ok := c.caps[key[0]]
		if !ok {
			slog.Warn(fmt.Sprintf("%s - params type bound to unknown capability %s, ignored", logPrefix, key[0]))
			continue
		}
		if _, ok := cd.byName[key[1]]; !ok {
			slog.Warn(fmt.Sprintf("%s - params type bound to unavailable action %s.%s", logPrefix, key[0], key[1]))
		}
	}

	slog.Info(fmt.Sprintf("%s - Built catalog with %d capabilities (host %s)", logPrefix, len(c.names), hostVersion))
	return c, nil
}

func (b *builder) buildCapability(cm CapabilityMeta, host *semver.Version, base int) (*CapabilityDescriptor, error) {
	version := cm.Version
	if version == "" {
		version = "1.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%s - capability %s: invalid version %q: %w", logPrefix, cm.Name, version, err)
	}

	cd := &CapabilityDescriptor{
		name:            cm.Name,
		description:     cm.Description,
		version:         v,
		resident:        cm.Resident,
		requestCodeBase: base,
		byName:          make(map[string]*ActionDescriptor, len(cm.Actions)),
	}
	for _, am := range cm.Actions {
		if am.Name == "" {
			return nil, fmt.Errorf("%s - capability %s: action name is required", logPrefix, cm.Name)
		}
		if _, dup := cd.byName[am.Name]; dup {
			return nil, fmt.Errorf("%s - capability %s: duplicate action %q", logPrefix, cm.Name, am.Name)
		}
		if am.Requires != "" {
			constraint, err := semver.NewConstraint(am.Requires)
			if err != nil {
				return nil, fmt.Errorf("%s - %s.%s: invalid requires %q: %w", logPrefix, cm.Name, am.Name, am.Requires, err)
			}
			if !constraint.Check(host) {
				slog.Info(fmt.Sprintf("%s - Skipping %s.%s: requires %s, host is %s", logPrefix, cm.Name, am.Name, am.Requires, host))
				continue
			}
		}
		ad, err := b.buildAction(cm.Name, am)
		if err != nil {
			return nil, err
		}
		// Teardown of a subscription has to find the instance that made it.
		if ad.mode == ModeEvent && !cm.Resident {
			return nil, fmt.Errorf("%s - %s.%s: event actions need a resident capability", logPrefix, cm.Name, am.Name)
		}
		cd.actions = append(cd.actions, ad)
		cd.byName[am.Name] = ad
	}
	return cd, nil
}

func (b *builder) buildAction(capability string, am ActionMeta) (*ActionDescriptor, error) {
	qualified := capability + "." + am.Name
	ad := &ActionDescriptor{
		capability:  capability,
		name:        am.Name,
		description: am.Description,
		mode:        Mode(am.Mode),
		normalize:   Normalize(am.Normalize),
		executor:    ExecutorKind(am.Executor),
		disruptive:  am.Disruptive,
	}
	switch ad.mode {
	case ModeSync, ModeAsync, ModeEvent:
	default:
		return nil, fmt.Errorf("%s - %s: unknown mode %q", logPrefix, qualified, am.Mode)
	}
	switch ad.normalize {
	case "":
		ad.normalize = NormalizeStructured
	case NormalizeStructured, NormalizeRaw:
	default:
		return nil, fmt.Errorf("%s - %s: unknown normalize policy %q", logPrefix, qualified, am.Normalize)
	}
	switch ad.executor {
	case "":
		ad.executor = ExecutorBackground
	case ExecutorSurface, ExecutorBackground:
	default:
		return nil, fmt.Errorf("%s - %s: unknown executor %q", logPrefix, qualified, am.Executor)
	}

	seen := make(map[string]bool, len(am.Permissions))
	for _, p := range am.Permissions {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		ad.permissions = append(ad.permissions, p)
	}
	// A prompt can only resolve asynchronously.
	if ad.mode == ModeSync && len(ad.permissions) > 0 {
		return nil, fmt.Errorf("%s - %s: sync actions cannot require permissions", logPrefix, qualified)
	}

	var schemaDoc []byte
	if v, ok := b.paramTypes[[2]string{capability, am.Name}]; ok {
		doc, err := reflectSchema(v)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, qualified, err)
		}
		schemaDoc = doc
	} else if am.Schema != nil {
		doc, err := json.Marshal(am.Schema)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: encode schema: %w", logPrefix, qualified, err)
		}
		schemaDoc = doc
	}
	if schemaDoc != nil {
		if ad.normalize == NormalizeRaw {
			return nil, fmt.Errorf("%s - %s: raw actions cannot declare a schema", logPrefix, qualified)
		}
		s, err := compileSchema(qualified, schemaDoc)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, qualified, err)
		}
		ad.schema = s
		ad.schemaDoc = schemaDoc
	}
	return ad, nil
}

// Lookup returns the capability descriptor for name.
func (c *Catalog) Lookup(name string) (*CapabilityDescriptor, bool) {
	cd, ok := c.caps[name]
	return cd, ok
}

// Action resolves (capability, action).
func (c *Catalog) Action(capability, action string) (*ActionDescriptor, bool) {
	cd, ok := c.caps[capability]
	if !ok {
		return nil, false
	}
	return cd.Action(action)
}

// Names returns capability names in declaration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// HostVersion is the version action constraints were checked against.
func (c *Catalog) HostVersion() string { return c.hostVersion.String() }

// CapabilityView is the serializable form of a capability.
type CapabilityView struct {
	Name            string       `json:"name"`
	Version         string       `json:"version"`
	Description     string       `json:"description,omitempty"`
	Resident        bool         `json:"resident"`
	RequestCodeBase int          `json:"requestCodeBase"`
	Actions         []ActionView `json:"actions"`
}

// ActionView is the serializable form of an action.
type ActionView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Mode        Mode            `json:"mode"`
	Permissions []string        `json:"permissions,omitempty"`
	Normalize   Normalize       `json:"normalize"`
	Executor    ExecutorKind    `json:"executor"`
	Disruptive  bool            `json:"disruptive,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Describe returns the catalog in declaration order.
func (c *Catalog) Describe() []CapabilityView {
	out := make([]CapabilityView, 0, len(c.names))
	for _, name := range c.names {
		cd := c.caps[name]
		view := CapabilityView{
			Name:            cd.name,
			Version:         cd.Version(),
			Description:     cd.description,
			Resident:        cd.resident,
			RequestCodeBase: cd.requestCodeBase,
			Actions:         make([]ActionView, 0, len(cd.actions)),
		}
		for _, a := range cd.actions {
			view.Actions = append(view.Actions, ActionView{
				Name:        a.name,
				Description: a.description,
				Mode:        a.mode,
				Permissions: a.Permissions(),
				Normalize:   a.normalize,
				Executor:    a.executor,
				Disruptive:  a.disruptive,
				Schema:      a.schemaDoc,
			})
		}
		out = append(out, view)
	}
	return out
}
