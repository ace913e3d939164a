package commsutil

import (
	"strings"
)

// DefaultPrefix is the root token of every bridge subject.
const DefaultPrefix = "bridge"

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// SurfaceAttachSubject carries {"surfaceId"} when a host surface is created.
func SurfaceAttachSubject(prefix string) string {
	return prefixOr(prefix) + ".surface.attach"
}

// SurfaceDestroySubject carries {"surfaceId"} when a host surface is gone.
func SurfaceDestroySubject(prefix string) string {
	return prefixOr(prefix) + ".surface.destroy"
}

// SurfaceResultSubject carries sub-task results keyed by request code.
func SurfaceResultSubject(prefix string) string {
	return prefixOr(prefix) + ".surface.result"
}

// RelayInboundSubject carries messages from the embedding host.
func RelayInboundSubject(prefix string) string {
	return prefixOr(prefix) + ".relay.inbound"
}

// HostSubject is where messages for the host owning a surface are published.
func HostSubject(prefix, surface string) string {
	return prefixOr(prefix) + ".host." + Token(surface)
}

// ServiceSubject addresses a platform service method (request/reply).
func ServiceSubject(prefix, service, method string) string {
	return prefixOr(prefix) + ".svc." + Token(service) + "." + Token(method)
}

// ServiceStreamSubject is where a platform service streams readings for a
// surface.
func ServiceStreamSubject(prefix, service, surface string) string {
	return prefixOr(prefix) + ".svc." + Token(service) + ".stream." + Token(surface)
}

// InvocationSubject receives every invocation event.
func InvocationSubject(prefix string) string {
	return prefixOr(prefix) + ".invocations"
}

// BuildInvocationSubject builds the granular invocation event subject.
func BuildInvocationSubject(prefix, capability, action string) string {
	return InvocationSubject(prefix) + "." + Token(capability) + "." + Token(action)
}
