package provider

import (
	"context"
	"sync"
)

// ScriptedProvider replays queued responses in order. Test transport.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []ChatRequest
	healthErr error
	caps      Capabilities
}

type scriptedResponse struct {
	chunks []Chunk
	err    error
}

// NewScriptedProvider creates an empty scripted provider. Without queued
// responses every Chat call streams a single empty final chunk.
func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{
		caps: Capabilities{Name: name, Model: "scripted", SupportsTools: true},
	}
}

// QueueText queues a response streamed as one chunk per given string.
func (p *ScriptedProvider) QueueText(parts ...string) {
	chunks := make([]Chunk, 0, len(parts)+1)
	for _, part := range parts {
		chunks = append(chunks, Chunk{DeltaText: part})
	}
	chunks = append(chunks, Chunk{Final: true, Usage: &Usage{OutputTokens: len(parts)}})
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, scriptedResponse{chunks: chunks})
}

// QueueError queues a response that fails mid-stream after the given chunks.
func (p *ScriptedProvider) QueueError(err error, chunks ...Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, scriptedResponse{chunks: chunks, err: err})
}

// SetHealthError makes HealthCheck fail until cleared.
func (p *ScriptedProvider) SetHealthError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// Requests returns the chat requests seen so far.
func (p *ScriptedProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	next := scriptedResponse{chunks: []Chunk{{Final: true}}}
	if len(p.responses) > 0 {
		next = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, chunk := range next.chunks {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if next.err != nil {
			errs <- next.err
		}
	}()

	return chunks, errs
}

func (p *ScriptedProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *ScriptedProvider) Capabilities(context.Context) (*Capabilities, error) {
	caps := p.caps
	return &caps, nil
}
