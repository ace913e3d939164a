// Package bridge defines the request/response envelope shared by the
// dispatcher, the lifecycle registries and every capability handler.
package bridge

import "strconv"

// Status is the numeric result code carried by a Response.
type Status int

// Bridge-level status codes. Capability-specific codes are allocated above
// StatusFeatureError.
const (
	StatusSuccess Status = 0
	StatusCancel  Status = 100

	StatusError              Status = 200
	StatusUserDenied         Status = 201
	StatusIllegalArgument    Status = 202
	StatusServiceUnavailable Status = 203
	StatusTimeout            Status = 204
	StatusTooManyRequests    Status = 205
	StatusIllegalRequest     Status = 206
	StatusDoNotDisturb       Status = 207

	StatusIOError      Status = 300
	StatusFileNotFound Status = 301
	StatusOutOfMemory  Status = 400

	StatusNoModule        Status = 801
	StatusNoAction        Status = 802
	StatusConfigError     Status = 803
	StatusPermissionError Status = 804

	StatusFeatureError Status = 1000
)

// RequestCodeStride is the width of the request-code namespace handed to
// each capability type. Slots base+1 .. base+RequestCodeStride-1 belong to
// the capability.
const RequestCodeStride = 100

var statusNames = map[Status]string{
	StatusSuccess:            "SUCCESS",
	StatusCancel:             "CANCEL",
	StatusError:              "ERROR",
	StatusUserDenied:         "USER_DENIED",
	StatusIllegalArgument:    "ILLEGAL_ARGUMENT",
	StatusServiceUnavailable: "SERVICE_UNAVAILABLE",
	StatusTimeout:            "TIMEOUT",
	StatusTooManyRequests:    "TOO_MANY_REQUESTS",
	StatusIllegalRequest:     "ILLEGAL_REQUEST",
	StatusDoNotDisturb:       "DO_NOT_DISTURB",
	StatusIOError:            "IO_ERROR",
	StatusFileNotFound:       "FILE_NOT_FOUND",
	StatusOutOfMemory:        "OUT_OF_MEMORY",
	StatusNoModule:           "NO_MODULE",
	StatusNoAction:           "NO_ACTION",
	StatusConfigError:        "CONFIG_ERROR",
	StatusPermissionError:    "PERMISSION_ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s > StatusFeatureError {
		return "FEATURE_ERROR+" + strconv.Itoa(int(s-StatusFeatureError))
	}
	return "STATUS(" + strconv.Itoa(int(s)) + ")"
}

// IsFeatureError reports whether s was allocated by a capability.
func (s Status) IsFeatureError() bool {
	return s >= StatusFeatureError
}
