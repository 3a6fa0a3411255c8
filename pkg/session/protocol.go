// Package session implements the per-connection sync worker of §4.8 (C8):
// one goroutine per WebSocket connection running the state machine
// Handshake -> Authenticated -> Active -> Draining -> Closed, fed through
// a pkg/codel admission queue so the single-threaded session loop
// processes every inbound message in strict arrival order. The wire
// envelope follows cuemby-warren/pkg/manager/fsm.go's {op, data
// json.RawMessage} Command shape, generalized from a Raft log entry to a
// WebSocket text frame.
package session

import (
	"encoding/json"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/types"
)

func kindOf(err error) apperror.Kind {
	if k := apperror.KindOf(err); k != "" {
		return k
	}
	return apperror.Fatal
}

// envelope is the tagged-union wire frame in both directions: a type tag
// plus the type-specific payload, deferred-decoded.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client -> server payloads.

type connectMsg struct {
	SessionID               string `json:"session_id"`
	LastSeenConnectionCount uint32 `json:"last_seen_connection_count"`
	LastCloseReason         string `json:"last_close_reason"`
}

type authenticateMsg struct {
	Token *string `json:"token"`
}

type querySpec struct {
	QueryID       string        `json:"query_id"`
	UDFPath       string        `json:"udf_path"`
	Args          []interface{} `json:"args"`
	ComponentPath string        `json:"component_path"`
}

type modifyQuerySetMsg struct {
	BaseVersion uint32      `json:"base_version"`
	Add         []querySpec `json:"add"`
	Remove      []string    `json:"remove"`
}

type callMsg struct {
	RequestID     string        `json:"request_id"`
	UDFPath       string        `json:"udf_path"`
	Args          []interface{} `json:"args"`
	ComponentPath string        `json:"component_path"`
}

type eventMsg struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload"`
}

type deployMsg struct {
	RequestID     string `json:"request_id"`
	ComponentPath string `json:"component_path"`
	Path          string `json:"path"`
	Source        string `json:"source"`
}

type envSetMsg struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	IsSecret  bool   `json:"is_secret"`
}

type envUnsetMsg struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
}

// Server -> client payloads.

type modificationOut struct {
	QueryID string      `json:"query_id"`
	Value   interface{} `json:"value,omitempty"`
	Error   *errorOut   `json:"error,omitempty"`
	Removed bool        `json:"removed,omitempty"`
}

type errorOut struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type transitionOut struct {
	StartTS       types.Timestamp   `json:"start_ts"`
	EndTS         types.Timestamp   `json:"end_ts"`
	Modifications []modificationOut `json:"modifications"`
}

type mutationResponseOut struct {
	RequestID string      `json:"request_id"`
	Result    interface{} `json:"result,omitempty"`
	Error     *errorOut   `json:"error,omitempty"`
	TS        types.Timestamp `json:"ts"`
}

type actionResponseOut struct {
	RequestID string      `json:"request_id"`
	Result    interface{} `json:"result,omitempty"`
	Error     *errorOut   `json:"error,omitempty"`
}

type deployResponseOut struct {
	RequestID string          `json:"request_id"`
	CommitTS  types.Timestamp `json:"commit_ts,omitempty"`
	Error     *errorOut       `json:"error,omitempty"`
}

type envResponseOut struct {
	RequestID string    `json:"request_id"`
	Error     *errorOut `json:"error,omitempty"`
}

type authErrorOut struct {
	Message string `json:"message"`
}

type fatalErrorOut struct {
	Message string `json:"message"`
}

func decodeEnvelope(data []byte, env *envelope) error {
	return json.Unmarshal(data, env)
}

func unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperror.Wrap(apperror.InvalidArgument, "session.decode", err)
	}
	return nil
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msgType, Data: data})
}

func errorOutFrom(err error) *errorOut {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if ae, ok := err.(*apperror.Error); ok && ae.Message != "" {
		msg = ae.Message
	}
	return &errorOut{Kind: string(kindOf(err)), Message: msg}
}
