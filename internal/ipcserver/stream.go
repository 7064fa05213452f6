package ipcserver

import (
	"context"

	"github.com/google/uuid"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/ipc"
	"github.com/defilantech/llmrund/internal/queue"
)

// streamChunkCapacity is the bounded channel size spec.md §4.10
// prescribes for the in-process token channel between the blocking
// inference task and the frame-relaying goroutine.
const streamChunkCapacity = 32

// handleInference validates and enqueues an InferenceRequest,
// dispatching to either a single oneshot response or the streaming
// bridge depending on params.stream (spec.md §4.7/§4.10).
func (c *connection) handleInference(ctx context.Context, msg ipc.Message) error {
	var req ipc.InferenceRequest
	if err := msg.Decode(&req); err != nil {
		return c.writeFrame(errorMessage(apperr.CodeProtocolError, "malformed inference request"))
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if req.ModelID == "" || req.Prompt == "" {
		return c.writeFrame(mustEncodeInferenceError(req.RequestID, "model_id and prompt must be non-empty"))
	}

	params := queue.Params{
		MaxTokens:   req.Parameters.MaxTokens,
		Temperature: req.Parameters.Temperature,
		TopP:        req.Parameters.TopP,
		TopK:        req.Parameters.TopK,
		Stream:      req.Parameters.Stream,
		TimeoutMs:   req.Parameters.TimeoutMs,
	}
	if err := params.Validate(); err != nil {
		return c.writeFrame(mustEncodeInferenceError(req.RequestID, err.Error()))
	}

	cancelToken := queue.NewCancelToken()
	c.cancelTokensMu.Lock()
	c.cancelTokens[req.RequestID] = cancelToken
	c.cancelTokensMu.Unlock()
	defer func() {
		c.cancelTokensMu.Lock()
		delete(c.cancelTokens, req.RequestID)
		c.cancelTokensMu.Unlock()
	}()

	if params.Stream {
		return c.runStreamingBridge(req, params, cancelToken)
	}
	return c.runOneshot(req, params, cancelToken)
}

func (c *connection) runOneshot(req ipc.InferenceRequest, params queue.Params, cancelToken *queue.CancelToken) error {
	responseChan := make(chan queue.Result, 1)
	qreq := &queue.Request{
		ID:           req.RequestID,
		ModelID:      req.ModelID,
		Prompt:       req.Prompt,
		Params:       params,
		Priority:     queue.PriorityNormal,
		CancelToken:  cancelToken,
		ResponseChan: responseChan,
	}

	if err := c.server.queue.Enqueue(qreq); err != nil {
		return c.writeFrame(mustEncodeInferenceError(req.RequestID, err.Error()))
	}

	result := <-responseChan
	resp := ipc.InferenceResponse{
		RequestID:       req.RequestID,
		Output:          result.Output,
		TokensGenerated: result.TokensGenerated,
		Finished:        true,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	out, err := ipc.Encode(ipc.TypeInferenceResp, resp)
	if err != nil {
		return err
	}
	return c.writeFrame(out)
}

// runStreamingBridge implements spec.md §4.10: a bounded token
// channel, one producer (the worker, via the queue), one relaying
// goroutine here that guarantees exactly one terminal frame even under
// external cancellation.
func (c *connection) runStreamingBridge(req ipc.InferenceRequest, params queue.Params, cancelToken *queue.CancelToken) error {
	streamChan := make(chan queue.StreamChunk, streamChunkCapacity)
	qreq := &queue.Request{
		ID:          req.RequestID,
		ModelID:     req.ModelID,
		Prompt:      req.Prompt,
		Params:      params,
		Priority:    queue.PriorityNormal,
		CancelToken: cancelToken,
		StreamChan:  streamChan,
	}

	if err := c.server.queue.Enqueue(qreq); err != nil {
		return c.writeFrame(mustEncodeInferenceError(req.RequestID, err.Error()))
	}

	sentTerminal := false
	for chunk := range streamChan {
		frame := ipc.StreamChunk{
			RequestID: req.RequestID,
			Token:     chunk.Token,
			IsFinal:   chunk.IsFinal,
		}
		if chunk.Err != nil {
			frame.Error = chunk.Err.Error()
		}

		out, err := ipc.Encode(ipc.TypeStreamChunk, frame)
		if err != nil {
			return err
		}
		if err := c.writeFrame(out); err != nil {
			return err
		}
		if chunk.IsFinal {
			sentTerminal = true
			break
		}
	}

	if !sentTerminal {
		// The producer closed the channel without an explicit final
		// chunk; synthesize one so every request still ends in exactly
		// one terminal frame.
		out, err := ipc.Encode(ipc.TypeStreamChunk, ipc.StreamChunk{RequestID: req.RequestID, IsFinal: true})
		if err != nil {
			return err
		}
		return c.writeFrame(out)
	}
	return nil
}

func mustEncodeInferenceError(requestID, message string) ipc.Message {
	msg, _ := ipc.Encode(ipc.TypeInferenceResp, ipc.InferenceResponse{
		RequestID: requestID,
		Finished:  true,
		Error:     message,
	})
	return msg
}
