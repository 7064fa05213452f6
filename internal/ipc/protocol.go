// Package ipc implements the wire protocol described in spec.md §4.8:
// a tagged-union JSON message schema and length-prefixed framing.
package ipc

import "encoding/json"

// MessageType discriminates the payload carried by a Message.
type MessageType string

const (
	TypeHandshake      MessageType = "handshake"
	TypeHandshakeAck   MessageType = "handshake_ack"
	TypeInferenceReq   MessageType = "inference_request"
	TypeInferenceResp  MessageType = "inference_response"
	TypeStreamChunk    MessageType = "stream_chunk"
	TypeHealthCheck    MessageType = "health_check"
	TypeHealthResponse MessageType = "health_response"
	TypeMetricsReq     MessageType = "metrics_request"
	TypeMetricsResp    MessageType = "metrics_response"
	TypeModelsReq      MessageType = "models_request"
	TypeModelsResp     MessageType = "models_response"
	TypeCancelReq      MessageType = "cancel_request"
	TypeCancelResp     MessageType = "cancel_response"
	TypeWarmupReq      MessageType = "warmup_request"
	TypeWarmupResp     MessageType = "warmup_response"
	TypeError          MessageType = "error"
)

// HealthCheckType selects the depth of a HealthCheck probe.
type HealthCheckType string

const (
	HealthLiveness  HealthCheckType = "liveness"
	HealthReadiness HealthCheckType = "readiness"
	HealthFull      HealthCheckType = "full"
)

// Message is the envelope every frame carries: a discriminator plus a
// raw payload decoded into the concrete type Type names. Reserving a
// raw payload (rather than a Go union type) keeps the door open for a
// future binary encoding negotiated alongside version, per spec.md §6.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a typed payload into a Message of the given type.
func Encode(t MessageType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: raw}, nil
}

// Decode unmarshals m's payload into dst, which must be a pointer to
// the concrete payload type matching m.Type.
func (m Message) Decode(dst any) error {
	return json.Unmarshal(m.Payload, dst)
}

type Handshake struct {
	Bearer           string `json:"bearer"`
	RequestedVersion int    `json:"requested_version,omitempty"`
}

type HandshakeAck struct {
	SessionID         string `json:"session_id"`
	NegotiatedVersion int    `json:"negotiated_version"`
}

type Parameters struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	Stream      bool    `json:"stream"`
	TimeoutMs   int64   `json:"timeout_ms,omitempty"`
}

type InferenceRequest struct {
	RequestID  string     `json:"request_id"`
	ModelID    string     `json:"model_id"`
	Prompt     string     `json:"prompt"`
	Parameters Parameters `json:"parameters"`
}

type InferenceResponse struct {
	RequestID       string `json:"request_id"`
	Output          string `json:"output"`
	TokensGenerated int    `json:"tokens_generated"`
	Finished        bool   `json:"finished"`
	Error           string `json:"error,omitempty"`
}

type StreamChunk struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"is_final"`
	Error     string `json:"error,omitempty"`
}

type HealthCheck struct {
	CheckType HealthCheckType `json:"check_type"`
}

type HealthReport struct {
	LoadedModels  int   `json:"loaded_models"`
	QueueDepth    int   `json:"queue_depth"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type HealthResponse struct {
	CheckType HealthCheckType `json:"check_type"`
	OK        bool            `json:"ok"`
	Report    *HealthReport   `json:"report,omitempty"`
}

type MetricsRequest struct{}

type MetricsResponse struct {
	Snapshot []MetricPointWire `json:"snapshot"`
}

// MetricPointWire is the JSON-friendly shape of a telemetry.MetricPoint.
type MetricPointWire struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type ModelsRequest struct{}

type ModelSummary struct {
	ModelID      string `json:"model_id"`
	Handle       uint64 `json:"handle"`
	Format       string `json:"format"`
	SizeBytes    int64  `json:"size_bytes"`
	MemoryBytes  int64  `json:"memory_bytes"`
	State        string `json:"state"`
	RequestCount int64  `json:"request_count"`
}

type ModelsResponse struct {
	Models           []ModelSummary `json:"models"`
	TotalMemoryBytes int64          `json:"total_memory_bytes"`
}

type CancelRequest struct {
	RequestID string `json:"request_id"`
}

type CancelResponse struct {
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

type WarmupRequest struct {
	ModelID string `json:"model_id"`
	Tokens  int    `json:"tokens"`
}

type WarmupResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
