package ipcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/ipc"
	"github.com/defilantech/llmrund/internal/lifecycle"
	"github.com/defilantech/llmrund/internal/queue"
)

// connection owns one accepted transport connection and implements the
// per-connection state machine from spec.md §4.9: handshake-or-close,
// session binding, then routing of auth-required vs unauthenticated
// message types.
type connection struct {
	conn   net.Conn
	server *Server

	writeMu sync.Mutex

	sessionID     string
	authenticated bool

	cancelTokensMu sync.Mutex
	cancelTokens   map[string]*queue.CancelToken
}

func newConnection(conn net.Conn, s *Server) *connection {
	return &connection{
		conn:         conn,
		server:       s,
		cancelTokens: make(map[string]*queue.CancelToken),
	}
}

func (c *connection) run(ctx context.Context) {
	defer c.conn.Close()

	first, err := ipc.ReadFrame(c.conn)
	if err != nil {
		return
	}
	if first.Type != ipc.TypeHandshake {
		c.writeFrame(errorMessage(apperr.CodeProtocolError, "first message must be a handshake"))
		return
	}
	if !c.handleHandshake(first) {
		return
	}

	for {
		msg, err := ipc.ReadFrame(c.conn)
		if err != nil {
			return
		}
		if !c.dispatch(ctx, msg) {
			return
		}
	}
}

func (c *connection) handleHandshake(msg ipc.Message) bool {
	var hs ipc.Handshake
	if err := msg.Decode(&hs); err != nil {
		c.writeFrame(errorMessage(apperr.CodeProtocolError, "malformed handshake"))
		return false
	}

	token, err := c.server.auth.Authenticate(hs.Bearer)
	if err != nil {
		c.writeFrame(errorMessage(apperr.CodeOf(err), err.Error()))
		return false
	}

	version, ok := ipc.NegotiateVersion(hs.RequestedVersion)
	if !ok {
		c.writeFrame(errorMessage(apperr.CodeProtocolError, "no mutually supported protocol version"))
		return false
	}

	c.sessionID = token.SessionID
	c.authenticated = true

	ack, err := ipc.Encode(ipc.TypeHandshakeAck, ipc.HandshakeAck{
		SessionID:         token.SessionID,
		NegotiatedVersion: version,
	})
	if err != nil {
		return false
	}
	return c.writeFrame(ack) == nil
}

// dispatch handles one post-handshake message. It returns false when
// the connection should close.
func (c *connection) dispatch(ctx context.Context, msg ipc.Message) bool {
	switch msg.Type {
	case ipc.TypeHealthCheck:
		return c.handleHealthCheck(msg) == nil
	case ipc.TypeMetricsReq:
		return c.handleMetrics() == nil
	case ipc.TypeModelsReq:
		return c.handleModels() == nil
	case ipc.TypeWarmupReq:
		return c.handleWarmup(ctx, msg) == nil
	case ipc.TypeInferenceReq:
		if !c.requireSession() {
			return false
		}
		return c.handleInference(ctx, msg) == nil
	case ipc.TypeCancelReq:
		if !c.requireSession() {
			return false
		}
		return c.handleCancel(msg) == nil
	default:
		c.writeFrame(errorMessage(apperr.CodeProtocolError, "unknown message type"))
		return true
	}
}

func (c *connection) requireSession() bool {
	if !c.authenticated {
		c.writeFrame(errorMessage(apperr.CodeNotAuthenticated, "session required"))
		return false
	}
	if err := c.server.auth.Validate(c.sessionID); err != nil {
		c.writeFrame(errorMessage(apperr.CodeOf(err), err.Error()))
		return false
	}
	return true
}

func (c *connection) handleHealthCheck(msg ipc.Message) error {
	var hc ipc.HealthCheck
	_ = msg.Decode(&hc)

	resp := ipc.HealthResponse{CheckType: hc.CheckType, OK: true}
	if hc.CheckType == ipc.HealthFull {
		resp.Report = &ipc.HealthReport{
			LoadedModels: len(c.server.registry.List()),
			QueueDepth:   c.server.queue.Len(),
		}
		if !c.server.cfg.StartedAt.IsZero() {
			resp.Report.UptimeSeconds = int64(time.Since(c.server.cfg.StartedAt).Seconds())
		}
	}
	out, err := ipc.Encode(ipc.TypeHealthResponse, resp)
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

func (c *connection) handleMetrics() error {
	snapshot, err := c.server.telemetry.Snapshot()
	if err != nil {
		return c.writeFrame(errorMessage(apperr.CodeOf(err), err.Error()))
	}

	points := make([]ipc.MetricPointWire, 0, len(snapshot.Points))
	for _, p := range snapshot.Points {
		points = append(points, ipc.MetricPointWire{Name: p.Name, Labels: p.Labels, Value: p.Value})
	}
	out, err := ipc.Encode(ipc.TypeMetricsResp, ipc.MetricsResponse{Snapshot: points})
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

func (c *connection) handleModels() error {
	entries := c.server.registry.List()
	summaries := make([]ipc.ModelSummary, 0, len(entries))
	var totalMemory int64
	for _, e := range entries {
		summaries = append(summaries, ipc.ModelSummary{
			ModelID:      e.ModelID,
			Handle:       uint64(e.Handle),
			Format:       e.Format,
			SizeBytes:    e.SizeBytes,
			MemoryBytes:  e.MemoryBytes,
			State:        string(e.State),
			RequestCount: e.RequestCount,
		})
		totalMemory += e.MemoryBytes
	}
	out, err := ipc.Encode(ipc.TypeModelsResp, ipc.ModelsResponse{Models: summaries, TotalMemoryBytes: totalMemory})
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

// warmupPrompt is the minimal input submitted at PriorityLow to force
// a model's pages into RAM and prime its per-model caches, per
// spec.md's Warmup definition. Its content is irrelevant; only the
// forward pass through the partitioned device set matters.
const warmupPrompt = "warmup"

func (c *connection) handleWarmup(ctx context.Context, msg ipc.Message) error {
	var req ipc.WarmupRequest
	if err := msg.Decode(&req); err != nil {
		return c.writeFrame(errorMessage(apperr.CodeProtocolError, "malformed warmup request"))
	}

	start := time.Now()
	if !c.server.registry.Contains(mustHandle(c.server.registry, req.ModelID)) {
		out, _ := ipc.Encode(ipc.TypeWarmupResp, ipc.WarmupResponse{OK: false, Error: string(apperr.CodeModelNotLoaded)})
		return c.writeFrame(out)
	}

	tokens := req.Tokens
	if tokens < 1 {
		tokens = 1
	}

	responseChan := make(chan queue.Result, 1)
	qreq := &queue.Request{
		ID:           "warmup-" + uuid.NewString(),
		ModelID:      req.ModelID,
		Prompt:       warmupPrompt,
		Params:       queue.Params{MaxTokens: tokens, TopP: 1},
		Priority:     queue.PriorityLow,
		CancelToken:  queue.NewCancelToken(),
		ResponseChan: responseChan,
	}

	resp := ipc.WarmupResponse{OK: true}
	if err := c.server.queue.Enqueue(qreq); err != nil {
		resp = ipc.WarmupResponse{OK: false, Error: err.Error()}
	} else {
		select {
		case result := <-responseChan:
			if result.Err != nil {
				resp = ipc.WarmupResponse{OK: false, Error: result.Err.Error()}
			}
		case <-ctx.Done():
			resp = ipc.WarmupResponse{OK: false, Error: string(apperr.CodeCancelled)}
		}
	}
	resp.ElapsedMs = time.Since(start).Milliseconds()

	out, err := ipc.Encode(ipc.TypeWarmupResp, resp)
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

func mustHandle(r *lifecycle.Registry, modelID string) lifecycle.Handle {
	h, _ := r.HandleFor(modelID)
	return h
}

func (c *connection) handleCancel(msg ipc.Message) error {
	var req ipc.CancelRequest
	if err := msg.Decode(&req); err != nil {
		return c.writeFrame(errorMessage(apperr.CodeProtocolError, "malformed cancel request"))
	}

	cancelled := c.server.queue.Cancel(req.RequestID)
	if !cancelled {
		c.cancelTokensMu.Lock()
		if tok, ok := c.cancelTokens[req.RequestID]; ok {
			cancelled = tok.Cancel()
		}
		c.cancelTokensMu.Unlock()
	}

	out, err := ipc.Encode(ipc.TypeCancelResp, ipc.CancelResponse{RequestID: req.RequestID, Cancelled: cancelled})
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

func (c *connection) writeFrame(msg ipc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ipc.WriteFrame(c.conn, msg)
}

func errorMessage(code apperr.Code, message string) ipc.Message {
	msg, _ := ipc.Encode(ipc.TypeError, ipc.ErrorPayload{Code: string(code), Message: message})
	return msg
}
