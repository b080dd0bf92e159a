// Package gatewayclient drives the single-use, authenticated conversation
// with the external Gateway: connect handshake, one RPC request, and a
// terminal response, with method-specific deadlines and identity-signed
// auth.
package gatewayclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forked/forked/internal/identity"
	"github.com/forked/forked/internal/sessions"
	"github.com/forked/forked/pkg/protocol"
)

var tracer = otel.Tracer("github.com/forked/forked/internal/gatewayclient")

const (
	agentDeadline = 120 * time.Second
	sendDeadline  = 30 * time.Second
)

// ClientMeta identifies this Forked instance to the Gateway's connect RPC.
type ClientMeta struct {
	ID         string
	Version    string
	Platform   string
	Mode       string
	InstanceID string
}

// Client issues Gateway RPC conversations. Each call opens its own
// connection, authenticates, sends one request, and closes — there is no
// persistent session.
type Client struct {
	url      string
	token    string
	identity *identity.Keeper
	meta     ClientMeta
}

// New constructs a Client. url is the Gateway's WebSocket endpoint
// (config.Config.GatewayURL()).
func New(url, token string, keeper *identity.Keeper, meta ClientMeta) *Client {
	return &Client{url: url, token: token, identity: keeper, meta: meta}
}

// AgentResult is the terminal payload of a RunAgent call.
type AgentResult struct {
	RunID    string          `json:"runId,omitempty"`
	Payloads []ResultPayload `json:"payloads,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// ResultPayload is one element of AgentResult.Payloads, text segments of
// which the Fork Engine concatenates for delivery.
type ResultPayload struct {
	Text string `json:"text,omitempty"`
}

type agentResultEnvelope struct {
	RunID    string          `json:"runId,omitempty"`
	Payloads []ResultPayload `json:"payloads,omitempty"`
}

// RunAgent invokes the agent method. agentID is extracted from sessionKey
// per the rule in internal/sessions.
func (c *Client) RunAgent(ctx context.Context, message, sessionKey string) (AgentResult, error) {
	ctx, span := tracer.Start(ctx, "gateway.call", trace.WithAttributes(attribute.String("rpc.method", protocol.MethodAgent)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, agentDeadline)
	defer cancel()

	agentID := sessions.AgentID(sessionKey)
	params := map[string]interface{}{
		"message":        message,
		"agentId":        agentID,
		"idempotencyKey": uuid.NewString(),
		"timeout":        120,
	}
	if sessionKey != "" {
		params["sessionKey"] = sessionKey
	}

	resp, err := c.call(ctx, protocol.MethodAgent, params)
	if err != nil {
		return AgentResult{}, err
	}

	payloadJSON, err := json.Marshal(resp.Payload)
	if err != nil {
		return AgentResult{}, newError(FailureTransportError, "re-encode payload: %v", err)
	}
	var env agentResultEnvelope
	if err := json.Unmarshal(payloadJSON, &env); err != nil {
		return AgentResult{Raw: payloadJSON}, nil
	}
	return AgentResult{RunID: env.RunID, Payloads: env.Payloads, Raw: payloadJSON}, nil
}

// SendEcho invokes the send method to publish a message to a channel.
func (c *Client) SendEcho(ctx context.Context, channel, to, message string) error {
	ctx, span := tracer.Start(ctx, "gateway.call", trace.WithAttributes(attribute.String("rpc.method", protocol.MethodSend)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()

	params := map[string]interface{}{
		"channel":        channel,
		"to":             to,
		"message":        message,
		"idempotencyKey": uuid.NewString(),
	}
	_, err := c.call(ctx, protocol.MethodSend, params)
	return err
}

// call opens a connection, authenticates, sends one request, and returns
// its terminal response frame.
func (c *Client) call(ctx context.Context, method string, params map[string]interface{}) (protocol.ResponseFrame, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return protocol.ResponseFrame{}, newError(FailureTransportError, "dial: %v", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	if err := c.connect(conn); err != nil {
		return protocol.ResponseFrame{}, err
	}

	reqID := uuid.NewString()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return protocol.ResponseFrame{}, newError(FailureTransportError, "marshal params: %v", err)
	}
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: reqID, Method: method, Params: paramsJSON}
	if err := conn.WriteJSON(req); err != nil {
		return protocol.ResponseFrame{}, newError(FailureTransportError, "send request: %v", err)
	}

	return c.awaitResponse(conn, reqID)
}

func (c *Client) connect(conn *websocket.Conn) error {
	device := c.identity.SignAuthPayload(
		[]string{"operator.admin", "operator.write"}, "operator", c.token, false,
	)
	params := map[string]interface{}{
		"minProtocol": protocol.ProtocolVersion,
		"maxProtocol": protocol.ProtocolVersion,
		"client": map[string]string{
			"id": c.meta.ID, "version": c.meta.Version, "platform": c.meta.Platform,
			"mode": c.meta.Mode, "instanceId": c.meta.InstanceID,
		},
		"role":   "operator",
		"scopes": []string{"operator.admin", "operator.write"},
		"device": device,
	}
	if c.token != "" {
		params["auth"] = map[string]string{"token": c.token}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return newError(FailureTransportError, "marshal connect params: %v", err)
	}

	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "connect-1", Method: protocol.MethodConnect, Params: paramsJSON}
	if err := conn.WriteJSON(req); err != nil {
		return newError(FailureTransportError, "send connect: %v", err)
	}

	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return newError(FailureClosedUnexpectedly, "read connect response: %v", err)
	}
	if !resp.OK {
		msg := "connect rejected"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return newError(FailureAuthFailed, "%s", msg)
	}
	return nil
}

// awaitResponse reads frames until the terminal (non-"accepted") response
// for reqID arrives, ignoring "event" frames and intermediate "accepted"
// responses along the way.
func (c *Client) awaitResponse(conn *websocket.Conn, reqID string) (protocol.ResponseFrame, error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := contextDeadlineErr(err); ctxErr != nil {
				return protocol.ResponseFrame{}, ctxErr
			}
			return protocol.ResponseFrame{}, newError(FailureClosedUnexpectedly, "read: %v", err)
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeResponse {
			continue
		}

		var resp protocol.ResponseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue
		}
		if !resp.OK {
			msg := "request rejected"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return protocol.ResponseFrame{}, newError(FailureRequestRejected, "%s", msg)
		}
		if protocol.IsAccepted(resp.Payload) {
			continue
		}
		return resp, nil
	}
}

func contextDeadlineErr(err error) error {
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return newError(FailureTimeout, "deadline exceeded")
	}
	return nil
}
