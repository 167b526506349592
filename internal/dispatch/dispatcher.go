// Package dispatch implements the single call path every protocol adapter
// funnels through: resolve the procedure, authorize the caller, validate the
// input, invoke the handler under a deadline, and classify failures.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/procedure"
	"github.com/dmartinol/procgate/internal/schema"
)

// DefaultHandlerTimeout bounds a single handler invocation unless the
// envelope overrides it.
const DefaultHandlerTimeout = 30 * time.Second

// Protocol identifies the ingress protocol of a call.
type Protocol string

// Ingress protocols.
const (
	ProtocolDirect  Protocol = "direct"
	ProtocolJSONRPC Protocol = "jsonrpc"
	ProtocolMCP     Protocol = "mcp"
)

// Envelope is a normalized inbound request, produced by an adapter and
// consumed here. It lives for one call.
type Envelope struct {
	// Path is the dotted procedure path.
	Path string
	// Arguments are the raw, not yet validated call arguments.
	Arguments map[string]any
	// Protocol records the ingress protocol, for logging.
	Protocol Protocol
	// CorrelationID ties client-visible errors to server-side logs. A
	// fresh id is assigned when empty.
	CorrelationID string
	// Caller is the verified identity, nil for anonymous calls.
	Caller *authz.Context
	// BypassAuth skips scope evaluation. Set only by adapters for tools on
	// the configured public exception list.
	BypassAuth bool
	// Timeout overrides the dispatcher's handler timeout when positive.
	Timeout time.Duration
}

// Snapshot pairs the procedure and schema registries built from one
// declaration pass. Snapshots are immutable; replacement swaps the whole
// pair atomically so readers never observe a partial mix.
type Snapshot struct {
	Procedures *procedure.Registry
	Schemas    *schema.Registry
}

// Dispatcher routes validated, authorized calls to procedure handlers.
type Dispatcher struct {
	snapshot atomic.Pointer[Snapshot]
	gate     *authz.Gate
	logger   *zap.Logger
	timeout  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandlerTimeout sets the default per-call handler timeout.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New creates a dispatcher over the given snapshot.
func New(snap Snapshot, gate *authz.Gate, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:    gate,
		logger:  logger,
		timeout: DefaultHandlerTimeout,
	}
	d.snapshot.Store(&snap)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshot returns the current registry snapshot.
func (d *Dispatcher) Snapshot() Snapshot {
	return *d.snapshot.Load()
}

// Replace atomically swaps in a new registry snapshot. In-flight calls keep
// the snapshot they started with.
func (d *Dispatcher) Replace(snap Snapshot) {
	d.snapshot.Store(&snap)
}

// Gate returns the authorization gate the dispatcher evaluates with.
func (d *Dispatcher) Gate() *authz.Gate { return d.gate }

// Call runs the full pipeline for one envelope. The returned error is nil on
// success; the result is whatever the handler produced, identical across
// ingress protocols by construction.
func (d *Dispatcher) Call(ctx context.Context, env Envelope) (any, *Error) {
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	snap := d.snapshot.Load()
	def := snap.Procedures.Lookup(env.Path)
	if def == nil {
		return nil, NewUnknownProcedure(env.Path)
	}

	if !env.BypassAuth {
		if decision := d.gate.Evaluate(def.Auth, env.Caller); !decision.Allowed {
			d.logger.Info("call denied",
				zap.String("procedure", env.Path),
				zap.String("protocol", string(env.Protocol)),
				zap.String("reason", decision.Reason),
				zap.String("correlation_id", correlationID),
			)
			return nil, NewUnauthorized(decision.Reason, def.Auth)
		}
	}

	input, callErr := d.validateInput(snap, def, env.Arguments, correlationID)
	if callErr != nil {
		return nil, callErr
	}

	timeout := d.timeout
	if env.Timeout > 0 {
		timeout = env.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := def.Handler(callCtx, input, env.Caller)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A handler unwinding with the context error at the deadline is
			// a timeout, not an internal failure.
			if callCtx.Err() != nil && (errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled)) {
				if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					return nil, NewTimeout(env.Path, correlationID)
				}
				return nil, NewCanceled(env.Path, correlationID)
			}
			d.logger.Error("handler failed",
				zap.String("procedure", env.Path),
				zap.String("protocol", string(env.Protocol)),
				zap.String("correlation_id", correlationID),
				zap.Error(out.err),
			)
			return nil, NewInternal(correlationID)
		}
		return out.value, nil
	case <-callCtx.Done():
		// cancel() has fired or will fire via defer; the handler observes
		// callCtx and is expected to unwind.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("handler timed out",
				zap.String("procedure", env.Path),
				zap.Duration("timeout", timeout),
				zap.String("correlation_id", correlationID),
			)
			return nil, NewTimeout(env.Path, correlationID)
		}
		d.logger.Debug("call canceled by caller",
			zap.String("procedure", env.Path),
			zap.String("correlation_id", correlationID),
		)
		return nil, NewCanceled(env.Path, correlationID)
	}
}

// validateInput resolves the procedure's input schema and validates the
// arguments against it, applying declared defaults.
func (d *Dispatcher) validateInput(snap *Snapshot, def *procedure.Definition, args map[string]any, correlationID string) (map[string]any, *Error) {
	if args == nil {
		args = make(map[string]any)
	}
	if def.InputSchemaID == "" {
		return args, nil
	}

	record, err := snap.Schemas.Resolve(def.InputSchemaID)
	if err != nil {
		// A dangling schema reference is a declaration bug, not a caller
		// error.
		d.logger.Error("input schema unresolved",
			zap.String("procedure", def.Path),
			zap.String("schema_id", def.InputSchemaID),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, NewInternal(correlationID)
	}

	validated, err := record.Validate(args)
	if err != nil {
		var result *schema.ValidationResult
		if errors.As(err, &result) {
			return nil, NewValidation(result.Fields)
		}
		return nil, NewValidation(err.Error())
	}
	input, ok := validated.(map[string]any)
	if !ok {
		input = args
	}
	return input, nil
}
