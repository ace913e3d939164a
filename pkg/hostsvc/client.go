// Package hostsvc reaches the platform services of the embedding host over
// COMMS request/reply. Each service method is a subject under
// <prefix>.svc.<service>.<method>; the host answers with a Reply.
package hostsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const logPrefix = "hostsvc:client"

const (
	// DefaultTimeout bounds one service request.
	DefaultTimeout = 10 * time.Second
	// DefaultPromptTimeout bounds how long a permission prompt may wait on
	// the user.
	DefaultPromptTimeout = 2 * time.Minute
)

// Reply is the host's answer to a service request. A non-empty Error fails
// the call with Code, or SERVICE_UNAVAILABLE when Code is zero.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code,omitempty"`
}

// Client issues service requests on one connection.
type Client struct {
	nc            *comms.Conn
	prefix        string
	timeout       time.Duration
	promptTimeout time.Duration
}

// ClientOpts configures a Client.
type ClientOpts struct {
	// Prefix is the subject root; default commsutil.DefaultPrefix.
	Prefix string
	// Timeout bounds each request; default DefaultTimeout.
	Timeout time.Duration
	// PromptTimeout bounds permission prompts; default DefaultPromptTimeout.
	PromptTimeout time.Duration
}

// NewClient creates a Client. opts may be nil.
func NewClient(nc *comms.Conn, opts *ClientOpts) *Client {
	c := &Client{nc: nc, prefix: commsutil.DefaultPrefix, timeout: DefaultTimeout, promptTimeout: DefaultPromptTimeout}
	if opts != nil {
		if opts.Prefix != "" {
			c.prefix = opts.Prefix
		}
		if opts.Timeout > 0 {
			c.timeout = opts.Timeout
		}
		if opts.PromptTimeout > 0 {
			c.promptTimeout = opts.PromptTimeout
		}
	}
	return c
}

// call sends in to service.method and decodes the reply data into out,
// which may be nil. It reports whether the reply carried data.
func (c *Client) call(ctx context.Context, service, method string, in, out any) (bool, error) {
	return c.callWithin(ctx, c.timeout, service, method, in, out)
}

func (c *Client) callWithin(ctx context.Context, timeout time.Duration, service, method string, in, out any) (bool, error) {
	subject := commsutil.ServiceSubject(c.prefix, service, method)
	var data []byte
	if in != nil {
		var err error
		if data, err = commsutil.EncodePayload(in); err != nil {
			return false, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, comms.ErrNoResponders) {
			return false, &bridge.CodedError{Code: bridge.StatusServiceUnavailable, Message: "no host serving " + service, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, comms.ErrTimeout) {
			return false, &bridge.CodedError{Code: bridge.StatusTimeout, Message: service + "." + method + " timed out", Err: err}
		}
		return false, fmt.Errorf("%s - request %s: %w", logPrefix, subject, err)
	}

	var reply Reply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		return false, fmt.Errorf("%s - reply on %s: %w", logPrefix, subject, err)
	}
	if reply.Error != "" {
		code := bridge.Status(reply.Code)
		if code == bridge.StatusSuccess {
			code = bridge.StatusServiceUnavailable
		}
		return false, bridge.NewCodedError(code, reply.Error)
	}
	if len(reply.Data) == 0 || string(reply.Data) == "null" {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return false, fmt.Errorf("%s - decode %s data: %w", logPrefix, subject, err)
		}
	}
	return true, nil
}
