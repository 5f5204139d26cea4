package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"facilitator-gateway/internal/resilience"
)

// HTTPVerifier fala JSON com um indexador da chain:
//
//	POST /verify/escrow      {"proof": "..."}  -> EscrowResult
//	POST /verify/reputation  {"proof": "..."}  -> ReputationResult
//	GET  /nullifiers/{id}                      -> {"used": bool}
//	GET  /block-height                         -> {"height": n}
//
// Respostas 4xx viram erros Permanent (não adianta tentar de novo); falhas de
// rede e 5xx são re-tentáveis.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

type HTTPVerifierOption func(*HTTPVerifier)

func WithHTTPClient(c *http.Client) HTTPVerifierOption {
	return func(v *HTTPVerifier) { v.httpClient = c }
}

func WithAPIKey(key string) HTTPVerifierOption {
	return func(v *HTTPVerifier) { v.apiKey = key }
}

func NewHTTPVerifier(baseURL string, opts ...HTTPVerifierOption) *HTTPVerifier {
	v := &HTTPVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chain rpc returned %d: %s", e.status, e.body)
}

func (v *HTTPVerifier) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain rpc %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= 400 {
		return resilience.Permanent(&statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type proofRequest struct {
	Proof string `json:"proof"`
}

func (v *HTTPVerifier) VerifyEscrowProof(ctx context.Context, proof string) (EscrowResult, error) {
	var out EscrowResult
	err := v.do(ctx, http.MethodPost, "/verify/escrow", proofRequest{Proof: proof}, &out)
	return out, err
}

func (v *HTTPVerifier) VerifyReputationProof(ctx context.Context, proof string) (ReputationResult, error) {
	var out ReputationResult
	err := v.do(ctx, http.MethodPost, "/verify/reputation", proofRequest{Proof: proof}, &out)
	return out, err
}

func (v *HTTPVerifier) IsNullifierUsed(ctx context.Context, nullifier string) (bool, error) {
	var out struct {
		Used bool `json:"used"`
	}
	err := v.do(ctx, http.MethodGet, "/nullifiers/"+url.PathEscape(nullifier), nil, &out)
	return out.Used, err
}

func (v *HTTPVerifier) BlockHeight(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	err := v.do(ctx, http.MethodGet, "/block-height", nil, &out)
	return out.Height, err
}
