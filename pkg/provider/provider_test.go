package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/config"
)

func ndjsonServer(t *testing.T, chunks []Chunk, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat":
			var req ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
			enc := json.NewEncoder(w)
			for _, chunk := range chunks {
				require.NoError(t, enc.Encode(chunk))
			}
		case "/healthz":
			w.WriteHeader(status)
		case "/v1/capabilities":
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(Capabilities{Model: "test-model", SupportsTools: true, MaxContextTokens: 8192})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProviderChatStreams(t *testing.T) {
	srv := ndjsonServer(t, []Chunk{
		{DeltaText: "hello "},
		{DeltaText: "world"},
		{Final: true, Usage: &Usage{InputTokens: 10, OutputTokens: 2}},
	}, http.StatusOK)
	p := NewHTTPProvider("test", config.ProviderConfig{Type: "http", BaseURL: srv.URL, MaxTokens: 256})

	chunks, errs := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	text, usage, err := Collect(chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	require.NotNil(t, usage)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestHTTPProviderChatErrorStatus(t *testing.T) {
	srv := ndjsonServer(t, nil, http.StatusBadGateway)
	p := NewHTTPProvider("test", config.ProviderConfig{BaseURL: srv.URL})

	chunks, errs := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	_, _, err := Collect(chunks, errs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPProviderHealthAndCapabilities(t *testing.T) {
	srv := ndjsonServer(t, nil, http.StatusOK)
	p := NewHTTPProvider("test", config.ProviderConfig{BaseURL: srv.URL})

	require.NoError(t, p.HealthCheck(context.Background()))

	caps, err := p.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-model", caps.Model)
	// Provider name fills in when the descriptor leaves it blank.
	assert.Equal(t, "test", caps.Name)
}

func TestHTTPProviderHealthCheckDown(t *testing.T) {
	srv := ndjsonServer(t, nil, http.StatusServiceUnavailable)
	p := NewHTTPProvider("test", config.ProviderConfig{BaseURL: srv.URL})
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrProviderUnavailable)
}

func TestScriptedProviderReplaysInOrder(t *testing.T) {
	p := NewScriptedProvider("scripted")
	p.QueueText("first")
	p.QueueText("second ", "half")

	text, _, err := Collect(p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "a"}}}))
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	text, _, err = Collect(p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "b"}}}))
	require.NoError(t, err)
	assert.Equal(t, "second half", text)

	// Exhausted queue streams an empty final chunk.
	text, _, err = Collect(p.Chat(context.Background(), ChatRequest{}))
	require.NoError(t, err)
	assert.Empty(t, text)

	require.Len(t, p.Requests(), 3)
	assert.Equal(t, "a", p.Requests()[0].Messages[0].Content)
}

func TestScriptedProviderMidStreamError(t *testing.T) {
	p := NewScriptedProvider("scripted")
	wantErr := errors.New("rate limited")
	p.QueueError(wantErr, Chunk{DeltaText: "partial"})

	text, _, err := Collect(p.Chat(context.Background(), ChatRequest{}))
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, "partial", text)
}

func TestRouterRoutesPersonas(t *testing.T) {
	def := NewScriptedProvider("default")
	fast := NewScriptedProvider("fast")
	r := NewRouter(map[string]AgentProvider{
		DefaultProviderName: def,
		"fast":              fast,
	}, map[string]string{"frontend_developer": "fast"})

	got, err := r.ForPersona("frontend_developer")
	require.NoError(t, err)
	assert.Same(t, fast, got)

	got, err = r.ForPersona("backend_developer")
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestRouterMissingProvider(t *testing.T) {
	r := NewRouter(nil, map[string]string{"qa": "missing"})
	_, err := r.ForPersona("qa")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestNewRouterFromConfig(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"default": {Type: "scripted"},
			"main":    {Type: "http", BaseURL: "http://localhost:9"},
		},
		Routing: map[string]string{"tech_lead": "main"},
	}
	r, err := NewRouterFromConfig(cfg)
	require.NoError(t, err)

	p, err := r.ForPersona("tech_lead")
	require.NoError(t, err)
	assert.IsType(t, &HTTPProvider{}, p)

	cfg.Providers["bad"] = config.ProviderConfig{Type: "carrier-pigeon"}
	_, err = NewRouterFromConfig(cfg)
	assert.Error(t, err)
}

func TestRouterCheckHealth(t *testing.T) {
	healthy := NewScriptedProvider("a")
	sick := NewScriptedProvider("b")
	sick.SetHealthError(errors.New("connection refused"))
	r := NewRouter(map[string]AgentProvider{"a": healthy, "b": sick}, nil)

	reports := r.CheckHealth(context.Background())
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Healthy)
	assert.False(t, reports[1].Healthy)
	assert.Contains(t, reports[1].Error, "connection refused")
}
