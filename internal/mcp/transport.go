package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/jsonrpc"
)

// sessionHeader carries the session id across stateless HTTP requests.
const sessionHeader = "Mcp-Session-Id"

// Session store bounds. Sessions carry only handshake state, so eviction is
// harmless: an evicted client re-runs initialize.
const (
	defaultSessionTTL  = 30 * time.Minute
	defaultMaxSessions = 4096
)

// sessionEntry tracks when a session was last used, for eviction.
type sessionEntry struct {
	session  *Session
	lastSeen time.Time
}

// Transport serves the MCP adapter over HTTP and stdio. The bearer token is
// extracted at this layer and verified through the injected verifier; the
// adapter only ever sees an already-verified caller context.
type Transport struct {
	adapter  *Adapter
	verifier authz.Verifier
	logger   *zap.Logger

	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	sessionTTL  time.Duration
	maxSessions int
	now         func() time.Time
}

// NewTransport creates a transport for the given adapter. verifier may be
// nil, in which case every request is anonymous.
func NewTransport(adapter *Adapter, verifier authz.Verifier, logger *zap.Logger) *Transport {
	return &Transport{
		adapter:     adapter,
		verifier:    verifier,
		logger:      logger,
		sessions:    make(map[string]*sessionEntry),
		sessionTTL:  defaultSessionTTL,
		maxSessions: defaultMaxSessions,
		now:         time.Now,
	}
}

// ServeHTTP implements http.Handler for HTTP POST requests. Sessions are
// keyed by the Mcp-Session-Id header: initialize creates one, subsequent
// requests must present it.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := t.verifyCaller(r)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.logger.Error("failed to read request body", zap.Error(err))
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		t.writeJSONResponse(w, errorResponse(nil, jsonrpc.ParseError, "invalid JSON", nil))
		return
	}

	session, sessionID, resp := t.resolveSession(r, req)
	if resp != nil {
		t.writeJSONResponse(w, resp)
		return
	}
	if sessionID != "" {
		w.Header().Set(sessionHeader, sessionID)
	}

	out := t.adapter.HandleRequest(r.Context(), session, req, caller)
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	t.writeJSONResponse(w, out)
}

// resolveSession finds or creates the session for a request. initialize
// mints a new session; everything else requires a known session id. Idle
// sessions are evicted past the TTL, and the store is capped so an
// initialize loop cannot grow it without bound.
func (t *Transport) resolveSession(r *http.Request, req jsonrpc.Request) (*Session, string, *jsonrpc.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.evictExpired(now)

	if req.Method == "initialize" {
		for len(t.sessions) >= t.maxSessions {
			t.evictOldest()
		}
		id := uuid.NewString()
		session := NewSession()
		t.sessions[id] = &sessionEntry{session: session, lastSeen: now}
		return session, id, nil
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		return nil, "", errorResponse(req.ID, jsonrpc.InvalidRequest,
			fmt.Sprintf("%s before initialize", req.Method), nil)
	}
	entry, ok := t.sessions[id]
	if !ok {
		return nil, "", errorResponse(req.ID, jsonrpc.InvalidRequest, "unknown session", nil)
	}
	entry.lastSeen = now
	return entry.session, id, nil
}

// evictExpired drops sessions idle past the TTL. The store is capped, so the
// scan stays small.
func (t *Transport) evictExpired(now time.Time) {
	for id, entry := range t.sessions {
		if now.Sub(entry.lastSeen) > t.sessionTTL {
			delete(t.sessions, id)
		}
	}
}

// evictOldest drops the least recently seen session to make room for a new
// one.
func (t *Transport) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, entry := range t.sessions {
		if oldestID == "" || entry.lastSeen.Before(oldest) {
			oldestID = id
			oldest = entry.lastSeen
		}
	}
	if oldestID != "" {
		delete(t.sessions, oldestID)
	}
}

// verifyCaller extracts and verifies the bearer token. A missing token is an
// anonymous caller; a present but invalid token is an error.
func (t *Transport) verifyCaller(r *http.Request) (*authz.Context, error) {
	if t.verifier == nil {
		return nil, nil
	}
	token, err := authz.ExtractBearerToken(r)
	if err != nil {
		if errors.Is(err, authz.ErrUnauthenticated) {
			return nil, nil
		}
		return nil, err
	}
	caller, err := t.verifier.Verify(r.Context(), token)
	if err != nil {
		t.logger.Info("bearer token rejected", zap.Error(err))
		return nil, err
	}
	return caller, nil
}

// ServeStdio handles stdio-based communication for a single local client.
// The whole stream shares one session and one caller identity.
func (t *Transport) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer, caller *authz.Context) error {
	scanner := bufio.NewScanner(stdin)
	encoder := json.NewEncoder(stdout)
	session := NewSession()

	t.logger.Info("mcp server started in stdio mode")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := encoder.Encode(errorResponse(nil, jsonrpc.ParseError, "invalid JSON", nil)); encErr != nil {
				t.logger.Error("failed to encode error response", zap.Error(encErr))
			}
			continue
		}

		resp := t.adapter.HandleRequest(ctx, session, req, caller)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response.
func (t *Transport) writeJSONResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.logger.Error("failed to encode response", zap.Error(err))
	}
}
