// Package session tracks streamable HTTP session identifiers assigned by
// upstream MCP servers and classifies session-related failures.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Record holds the session identifier an upstream server assigned during
// initialize, via the Mcp-Session-Id response header.
type Record struct {
	ID         string
	CreatedAt  time.Time
	Terminated bool
}

// NewRecord returns a record for a freshly assigned session id.
func NewRecord(id string) *Record {
	return &Record{ID: id, CreatedAt: time.Now()}
}

// IsValidID reports whether id is a legal session identifier: one or more
// visible ASCII characters (0x21 through 0x7E).
func IsValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// ErrorKind classifies a session-related failure.
type ErrorKind int

const (
	// ErrorNone means the error is not session related.
	ErrorNone ErrorKind = iota
	// ErrorTerminated means the server no longer knows the session. The
	// connection can recover by establishing a new session.
	ErrorTerminated
	// ErrorInvalid means the server rejected the session id itself.
	ErrorInvalid
	// ErrorExpired means the session aged out on the server side.
	ErrorExpired
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTerminated:
		return "session_terminated"
	case ErrorInvalid:
		return "session_invalid"
	case ErrorExpired:
		return "session_expired"
	default:
		return "none"
	}
}

// Recoverable reports whether reconnecting with a fresh session can clear
// the failure.
func (k ErrorKind) Recoverable() bool {
	return k == ErrorTerminated || k == ErrorExpired
}

var (
	terminatedSignatures = []string{"404", "not found", "session not found", "session terminated"}
	invalidSignatures    = []string{"400", "bad request", "invalid session", "session invalid"}
	expiredSignatures    = []string{"timeout", "expired", "session expired"}
)

// Classify inspects an upstream error and decides whether it indicates a
// terminated, invalid or expired session. Matching is by lower-cased
// substring, in that priority order.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, terminatedSignatures) {
		return ErrorTerminated
	}
	if containsAny(msg, invalidSignatures) {
		return ErrorInvalid
	}
	if containsAny(msg, expiredSignatures) {
		return ErrorExpired
	}
	return ErrorNone
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Terminator explicitly ends sessions on servers that support DELETE
// termination.
type Terminator struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTerminator returns a terminator using the given HTTP client, or a
// default one with a 30 second timeout when nil.
func NewTerminator(httpClient *http.Client, logger *zap.Logger) *Terminator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Terminator{httpClient: httpClient, logger: logger}
}

// Terminate sends DELETE <baseURL>/session with the Mcp-Session-Id header
// and, when bearerToken is non-empty, a bearer Authorization header. It
// reports whether the server confirmed termination with a 2xx; the caller
// owns marking its record. 405 means the server does not support explicit
// termination and is not an error. Any other failure is logged at warn
// level and swallowed; termination is best effort.
func (t *Terminator) Terminate(ctx context.Context, baseURL, sessionID, bearerToken string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("failed to build session termination request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("Session termination request failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("Session terminated",
			zap.String("session_id", sessionID),
			zap.Int("status", resp.StatusCode))
		return true, nil
	case resp.StatusCode == http.StatusMethodNotAllowed:
		t.logger.Debug("Server does not support explicit session termination",
			zap.String("session_id", sessionID))
	default:
		t.logger.Warn("Unexpected status terminating session",
			zap.String("session_id", sessionID),
			zap.Int("status", resp.StatusCode))
	}
	return false, nil
}
