package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/version"
)

// HTTPProvider talks to an agent provider over HTTP. Chat streams
// newline-delimited JSON chunks from POST /v1/chat; health and capabilities
// are plain GETs.
type HTTPProvider struct {
	name      string
	baseURL   string
	token     string
	maxTokens int
	client    *http.Client
}

// NewHTTPProvider builds a provider from its config entry. The bearer token
// is read from the environment variable the config names, if any.
func NewHTTPProvider(name string, cfg config.ProviderConfig) *HTTPProvider {
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &HTTPProvider{
		name:      name,
		baseURL:   cfg.BaseURL,
		token:     token,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// Chat streams the provider response. Chunks arrive as one JSON object per
// line; the stream ends at EOF or on the first malformed line.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(req)
		if err != nil {
			errs <- fmt.Errorf("encode chat request: %w", err)
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build chat request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		p.authorize(httpReq)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("provider %s: chat returned %d", p.name, resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk Chunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errs <- fmt.Errorf("decode stream chunk: %w", err)
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if chunk.Final {
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			errs <- fmt.Errorf("read stream: %w", err)
		}
	}()

	return chunks, errs
}

// HealthCheck probes GET /healthz.
func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Provider health check failed", "provider", p.name, "status", resp.StatusCode)
		return fmt.Errorf("%w: health returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// Capabilities fetches GET /v1/capabilities.
func (p *HTTPProvider) Capabilities(ctx context.Context) (*Capabilities, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/capabilities", nil)
	if err != nil {
		return nil, fmt.Errorf("build capabilities request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: capabilities returned %d", p.name, resp.StatusCode)
	}
	var caps Capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if caps.Name == "" {
		caps.Name = p.name
	}
	return &caps, nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	req.Header.Set("User-Agent", version.Full())
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}
