package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/dispatch"
)

// Adapter translates JSON-RPC 2.0 envelopes into dispatcher calls. Method
// names are matched directly against procedure registry paths.
type Adapter struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewAdapter creates a JSON-RPC adapter over the given dispatcher.
func NewAdapter(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Adapter {
	return &Adapter{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes a request payload, either a single envelope or a batch
// array, and returns the serialized response. Batch entries are processed
// independently and concurrently; the response array preserves input order.
// A nil return means the payload contained only notifications.
func (a *Adapter) Handle(ctx context.Context, data []byte, caller *authz.Context) []byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return a.handleBatch(ctx, trimmed, caller)
	}
	resp := a.handleOne(ctx, data, caller)
	if resp == nil {
		return nil
	}
	return marshalResponse(a.logger, resp)
}

func (a *Adapter) handleBatch(ctx context.Context, data []byte, caller *authz.Context) []byte {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return marshalResponse(a.logger, errorResponse(nil, ParseError, "invalid JSON", nil))
	}
	if len(entries) == 0 {
		return marshalResponse(a.logger, errorResponse(nil, InvalidRequest, "empty batch", nil))
	}

	// Entries run concurrently; the indexed slice preserves request order
	// in the response array.
	responses := make([]*Response, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry json.RawMessage) {
			defer wg.Done()
			responses[i] = a.handleOne(ctx, entry, caller)
		}(i, entry)
	}
	wg.Wait()

	// Notifications produce no response object.
	out := make([]*Response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		a.logger.Error("failed to encode batch response", zap.Error(err))
		return marshalResponse(a.logger, errorResponse(nil, InternalError, "internal error", nil))
	}
	return encoded
}

// handleOne processes a single envelope. It returns nil for notifications.
func (a *Adapter) handleOne(ctx context.Context, data []byte, caller *authz.Context) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		// Syntactically valid JSON that is not a request object (a bare
		// number in a batch, say) is an invalid request, not a parse error.
		if json.Valid(data) {
			return errorResponse(nil, InvalidRequest, "invalid request object", nil)
		}
		return errorResponse(nil, ParseError, "invalid JSON", nil)
	}
	if req.JSONRPC != Version {
		return errorResponse(req.ID, InvalidRequest, "invalid JSON-RPC version", nil)
	}
	if req.Method == "" {
		return errorResponse(req.ID, InvalidRequest, "method is required", nil)
	}

	var params map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, InvalidParams, "params must be an object", nil)
		}
	}

	result, callErr := a.dispatcher.Call(ctx, dispatch.Envelope{
		Path:      req.Method,
		Arguments: params,
		Protocol:  dispatch.ProtocolJSONRPC,
		Caller:    caller,
	})

	// A request without an id is a notification: it is processed but
	// never answered.
	if req.ID == nil {
		return nil
	}
	if callErr != nil {
		code, message, data := mapError(callErr)
		return errorResponse(req.ID, code, message, data)
	}
	return successResponse(req.ID, result)
}

// mapError translates the dispatcher taxonomy into JSON-RPC error objects.
// Internal errors expose only a correlation id, never handler error text.
func mapError(callErr *dispatch.Error) (code int, message string, data any) {
	switch callErr.Kind {
	case dispatch.KindUnknownProcedure:
		return MethodNotFound, callErr.Message, nil
	case dispatch.KindValidation:
		return InvalidParams, callErr.Message, callErr.Details
	case dispatch.KindUnauthorized:
		return Unauthorized, callErr.Message, callErr.Details
	case dispatch.KindTimeout:
		return Timeout, callErr.Message, map[string]any{"correlationId": callErr.CorrelationID}
	default:
		return InternalError, "internal error", map[string]any{"correlationId": callErr.CorrelationID}
	}
}

func marshalResponse(logger *zap.Logger, resp *Response) []byte {
	encoded, err := json.Marshal(resp)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`)
	}
	return encoded
}
