// Package events defines invocation events and the publishers that carry
// them out of the bridge.
package events

// InvocationEvent is emitted once per terminal dispatch outcome.
type InvocationEvent struct {
	RequestID  string `json:"requestId"`
	App        string `json:"app,omitempty"`
	Capability string `json:"capability"`
	Action     string `json:"action"`
	Mode       string `json:"mode,omitempty"`
	Surface    string `json:"surface,omitempty"`
	Code       int    `json:"code"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  string `json:"timestamp"`
}
