package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors pkg/session's wire shape: a type tag plus deferred
// payload, the same {op, data} pattern as cuemby-warren's Raft Command.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn
}

func dial(addr, token string) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c := &client{conn: conn}

	if err := c.send("Connect", map[string]interface{}{"session_id": "", "last_seen_connection_count": 0}); err != nil {
		return nil, err
	}
	if _, err := c.recvType("Transition", 5*time.Second); err != nil {
		return nil, err
	}

	if token != "" {
		if err := c.send("Authenticate", map[string]interface{}{"token": token}); err != nil {
			return nil, err
		}
		// A successful Authenticate gets no acknowledgement frame; only a
		// rejected one replies with AuthError. Wait out a short window for
		// that reply and treat a read timeout as success.
		if err := c.checkAuthError(1 * time.Second); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *client) checkAuthError(window time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	defer c.conn.SetReadDeadline(time.Time{})

	var env envelope
	err := c.conn.ReadJSON(&env)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("read response: %w", err)
	}
	if env.Type == "AuthError" {
		var out struct{ Message string }
		_ = json.Unmarshal(env.Data, &out)
		return &remoteError{Kind: "Unauthorized", Message: out.Message}
	}
	return nil
}

func (c *client) close() { _ = c.conn.Close() }

func (c *client) send(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(envelope{Type: msgType, Data: data})
}

// recvType reads frames until one with the given type arrives or timeout
// elapses, discarding Ping/other frames in between.
func (c *client) recvType(msgType string, timeout time.Duration) (envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return envelope{}, fmt.Errorf("read response: %w", err)
		}
		if env.Type == msgType {
			return env, nil
		}
		if env.Type == "FatalError" {
			var out struct{ Message string }
			_ = json.Unmarshal(env.Data, &out)
			return envelope{}, &remoteError{Kind: "Fatal", Message: out.Message}
		}
		if env.Type == "AuthError" {
			var out struct{ Message string }
			_ = json.Unmarshal(env.Data, &out)
			return envelope{}, &remoteError{Kind: "Unauthorized", Message: out.Message}
		}
	}
}

type remoteErrorOut struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func asRemoteErr(e *remoteErrorOut) error {
	if e == nil {
		return nil
	}
	return &remoteError{Kind: e.Kind, Message: e.Message}
}

// callMutation sends a Mutation frame and waits for its MutationResponse.
func (c *client) callMutation(requestID, udfPath, componentPath string, args []interface{}) (interface{}, error) {
	if err := c.send("Mutation", map[string]interface{}{
		"request_id": requestID, "udf_path": udfPath, "component_path": componentPath, "args": args,
	}); err != nil {
		return nil, err
	}
	env, err := c.recvType("MutationResponse", 30*time.Second)
	if err != nil {
		return nil, err
	}
	var out struct {
		RequestID string          `json:"request_id"`
		Result    interface{}     `json:"result"`
		Error     *remoteErrorOut `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, asRemoteErr(out.Error)
	}
	return out.Result, nil
}

// callDeploy sends a Deploy frame and waits for its DeployResponse, returning
// the commit timestamp the bundle was published at.
func (c *client) callDeploy(requestID, componentPath, path, source string) (uint64, error) {
	if err := c.send("Deploy", map[string]interface{}{
		"request_id": requestID, "component_path": componentPath, "path": path, "source": source,
	}); err != nil {
		return 0, err
	}
	env, err := c.recvType("DeployResponse", 30*time.Second)
	if err != nil {
		return 0, err
	}
	var out struct {
		RequestID string          `json:"request_id"`
		CommitTS  uint64          `json:"commit_ts"`
		Error     *remoteErrorOut `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return 0, err
	}
	if out.Error != nil {
		return 0, asRemoteErr(out.Error)
	}
	return out.CommitTS, nil
}

// callEnvSet sends an EnvSet frame and waits for its EnvSetResponse.
func (c *client) callEnvSet(requestID, name, value string, isSecret bool) error {
	if err := c.send("EnvSet", map[string]interface{}{
		"request_id": requestID, "name": name, "value": value, "is_secret": isSecret,
	}); err != nil {
		return err
	}
	env, err := c.recvType("EnvSetResponse", 10*time.Second)
	if err != nil {
		return err
	}
	return parseEnvResponse(env)
}

// callEnvUnset sends an EnvUnset frame and waits for its EnvUnsetResponse.
func (c *client) callEnvUnset(requestID, name string) error {
	if err := c.send("EnvUnset", map[string]interface{}{
		"request_id": requestID, "name": name,
	}); err != nil {
		return err
	}
	env, err := c.recvType("EnvUnsetResponse", 10*time.Second)
	if err != nil {
		return err
	}
	return parseEnvResponse(env)
}

func parseEnvResponse(env envelope) error {
	var out struct {
		RequestID string          `json:"request_id"`
		Error     *remoteErrorOut `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return err
	}
	return asRemoteErr(out.Error)
}

// callAction sends an Action frame and waits for its ActionResponse.
func (c *client) callAction(requestID, udfPath, componentPath string, args []interface{}) (interface{}, error) {
	if err := c.send("Action", map[string]interface{}{
		"request_id": requestID, "udf_path": udfPath, "component_path": componentPath, "args": args,
	}); err != nil {
		return nil, err
	}
	env, err := c.recvType("ActionResponse", 30*time.Second)
	if err != nil {
		return nil, err
	}
	var out struct {
		RequestID string          `json:"request_id"`
		Result    interface{}     `json:"result"`
		Error     *remoteErrorOut `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, asRemoteErr(out.Error)
	}
	return out.Result, nil
}
