// Package direct provides the typed direct-call adapter: a pass-through to
// the dispatcher for same-process callers. It runs the identical pipeline as
// the wire adapters, which makes it the correctness oracle for
// cross-protocol equivalence.
package direct

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/dispatch"
)

// Client invokes procedures through the shared dispatcher.
type Client struct {
	dispatcher *dispatch.Dispatcher
}

// NewClient creates a direct-call client over the given dispatcher.
func NewClient(dispatcher *dispatch.Dispatcher) *Client {
	return &Client{dispatcher: dispatcher}
}

// Call invokes the procedure at the given dotted path. The arguments pass
// through the same validation and authorization as every wire protocol.
func (c *Client) Call(ctx context.Context, path string, args map[string]any, caller *authz.Context) (any, error) {
	result, callErr := c.dispatcher.Call(ctx, dispatch.Envelope{
		Path:      path,
		Arguments: args,
		Protocol:  dispatch.ProtocolDirect,
		Caller:    caller,
	})
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// Call invokes a procedure and decodes the result into T, giving
// same-ecosystem callers a typed surface over the shared pipeline.
func Call[T any](ctx context.Context, c *Client, path string, args map[string]any, caller *authz.Context) (T, error) {
	var out T
	result, err := c.Call(ctx, path, args, caller)
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return out, fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
