package cli

import (
	"errors"
	"testing"

	"github.com/defilantech/llmrund/internal/ipc"
)

type fakeOneshotClient struct {
	resp ipc.InferenceResponse
	err  error
}

func (f fakeOneshotClient) Infer(ipc.InferenceRequest) (ipc.InferenceResponse, error) {
	return f.resp, f.err
}

type fakeStreamClient struct {
	chunks []ipc.StreamChunk
	err    error
}

func (f fakeStreamClient) InferStream(req ipc.InferenceRequest, onChunk func(ipc.StreamChunk) error) error {
	if f.err != nil {
		return f.err
	}
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func TestRunInferOneshot_Success(t *testing.T) {
	c := fakeOneshotClient{resp: ipc.InferenceResponse{Output: "hi", TokensGenerated: 2, Finished: true}}
	if err := runInferOneshot(c, ipc.InferenceRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunInferOneshot_ResponseErrorBecomesFailure(t *testing.T) {
	c := fakeOneshotClient{resp: ipc.InferenceResponse{Error: "model_not_loaded"}}
	err := runInferOneshot(c, ipc.InferenceRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if ExitCodeFor(err) != ExitFailure {
		t.Errorf("expected ExitFailure, got %d", ExitCodeFor(err))
	}
}

func TestRunInferOneshot_TransportErrorBecomesFailure(t *testing.T) {
	c := fakeOneshotClient{err: errors.New("broken pipe")}
	err := runInferOneshot(c, ipc.InferenceRequest{})
	if ExitCodeFor(err) != ExitFailure {
		t.Errorf("expected ExitFailure, got %d", ExitCodeFor(err))
	}
}

func TestRunInferStream_FinalErrorSurfaces(t *testing.T) {
	c := fakeStreamClient{chunks: []ipc.StreamChunk{
		{Token: "a"},
		{IsFinal: true, Error: "cancelled"},
	}}
	err := runInferStream(c, ipc.InferenceRequest{})
	if err == nil {
		t.Fatal("expected an error from the final chunk")
	}
}

func TestRunInferStream_Success(t *testing.T) {
	c := fakeStreamClient{chunks: []ipc.StreamChunk{
		{Token: "a"},
		{Token: "b"},
		{IsFinal: true},
	}}
	if err := runInferStream(c, ipc.InferenceRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
