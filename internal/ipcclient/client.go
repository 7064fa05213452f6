// Package ipcclient is the local-transport client counterpart to
// internal/ipcserver: it dials the Unix socket, performs the
// handshake, and offers one call per message type the server accepts.
// It is the thin collaborator pkg/cli drives spec.md §6's "infer",
// "health", "status", and "bench" commands through.
package ipcclient

import (
	"fmt"
	"net"
	"time"

	"github.com/defilantech/llmrund/internal/ipc"
)

// Client owns one handshaken connection to the runtime's local
// transport.
type Client struct {
	conn      net.Conn
	sessionID string
}

// Dial connects to socketPath and performs the handshake with bearer,
// negotiating ipc.DefaultVersion. timeout bounds both the connect and
// the handshake round trip.
func Dial(socketPath, bearer string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	hs, err := ipc.Encode(ipc.TypeHandshake, ipc.Handshake{Bearer: bearer, RequestedVersion: ipc.DefaultVersion})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ipc.WriteFrame(conn, hs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	resp, err := ipc.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake response: %w", err)
	}
	if resp.Type == ipc.TypeError {
		conn.Close()
		var e ipc.ErrorPayload
		_ = resp.Decode(&e)
		return nil, fmt.Errorf("handshake rejected: %s: %s", e.Code, e.Message)
	}

	var ack ipc.HandshakeAck
	if err := resp.Decode(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding handshake ack: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return &Client{conn: conn, sessionID: ack.SessionID}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(msgType ipc.MessageType, payload, dst any) error {
	msg, err := ipc.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := ipc.WriteFrame(c.conn, msg); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}

	resp, err := ipc.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("reading response to %s: %w", msgType, err)
	}
	if resp.Type == ipc.TypeError {
		var e ipc.ErrorPayload
		_ = resp.Decode(&e)
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
	return resp.Decode(dst)
}

// HealthCheck sends a HealthCheck of the given depth.
func (c *Client) HealthCheck(checkType ipc.HealthCheckType) (ipc.HealthResponse, error) {
	var resp ipc.HealthResponse
	err := c.roundTrip(ipc.TypeHealthCheck, ipc.HealthCheck{CheckType: checkType}, &resp)
	return resp, err
}

// Metrics fetches the current telemetry snapshot.
func (c *Client) Metrics() (ipc.MetricsResponse, error) {
	var resp ipc.MetricsResponse
	err := c.roundTrip(ipc.TypeMetricsReq, ipc.MetricsRequest{}, &resp)
	return resp, err
}

// Models lists loaded models.
func (c *Client) Models() (ipc.ModelsResponse, error) {
	var resp ipc.ModelsResponse
	err := c.roundTrip(ipc.TypeModelsReq, ipc.ModelsRequest{}, &resp)
	return resp, err
}

// Warmup issues a warmup request for modelID.
func (c *Client) Warmup(modelID string, tokens int) (ipc.WarmupResponse, error) {
	var resp ipc.WarmupResponse
	err := c.roundTrip(ipc.TypeWarmupReq, ipc.WarmupRequest{ModelID: modelID, Tokens: tokens}, &resp)
	return resp, err
}

// Cancel requests cancellation of a live request.
func (c *Client) Cancel(requestID string) (ipc.CancelResponse, error) {
	var resp ipc.CancelResponse
	err := c.roundTrip(ipc.TypeCancelReq, ipc.CancelRequest{RequestID: requestID}, &resp)
	return resp, err
}

// Infer sends a non-streaming inference request and waits for the
// single InferenceResponse frame.
func (c *Client) Infer(req ipc.InferenceRequest) (ipc.InferenceResponse, error) {
	req.Parameters.Stream = false
	var resp ipc.InferenceResponse
	err := c.roundTrip(ipc.TypeInferenceReq, req, &resp)
	return resp, err
}

// InferStream sends a streaming inference request, invoking onChunk
// for every frame including the terminal one. It returns once the
// terminal chunk has been delivered or onChunk returns an error.
func (c *Client) InferStream(req ipc.InferenceRequest, onChunk func(ipc.StreamChunk) error) error {
	req.Parameters.Stream = true
	msg, err := ipc.Encode(ipc.TypeInferenceReq, req)
	if err != nil {
		return err
	}
	if err := ipc.WriteFrame(c.conn, msg); err != nil {
		return fmt.Errorf("writing inference_request: %w", err)
	}

	for {
		resp, err := ipc.ReadFrame(c.conn)
		if err != nil {
			return fmt.Errorf("reading stream_chunk: %w", err)
		}
		if resp.Type == ipc.TypeError {
			var e ipc.ErrorPayload
			_ = resp.Decode(&e)
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}

		var chunk ipc.StreamChunk
		if err := resp.Decode(&chunk); err != nil {
			return err
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.IsFinal {
			return nil
		}
	}
}
