package issuance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// HTTPVerifier delegates proof verification to an external service.
type HTTPVerifier struct {
	client   *http.Client
	endpoint *url.URL
	log      *logger.Logger
}

var _ ProofVerifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier constructs a verifier posting to the provided endpoint.
func NewHTTPVerifier(client *http.Client, endpoint string, log *logger.Logger) (*HTTPVerifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("verifier endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse verifier endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("issuance-http-verifier")
	}
	return &HTTPVerifier{client: client, endpoint: parsed, log: log}, nil
}

func (v *HTTPVerifier) VerifyProof(ctx context.Context, proof []byte, publicInputs []string) (bool, error) {
	body, err := json.Marshal(map[string]interface{}{
		"proof":         base64.StdEncoding.EncodeToString(proof),
		"public_inputs": publicInputs,
	})
	if err != nil {
		return false, fmt.Errorf("encode verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verifier status %d", resp.StatusCode)
	}

	var payload struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	if payload.Error != "" {
		v.log.WithField("error", payload.Error).Warn("verifier reported error")
	}
	return payload.Valid, nil
}
