package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dreamware/servelane/internal/region"
)

var operationPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidOperation reports whether op can be addressed on a backend.
func ValidOperation(op string) bool {
	return operationPattern.MatchString(op)
}

// HTTPBackend calls a PostgREST-style RPC endpoint: POST {base}/rpc/{op}.
// Session context is forwarded as request headers on every call.
type HTTPBackend struct {
	client  *http.Client
	region  region.ID
	baseURL string
	apiKey  string
}

// NewHTTPBackend creates a backend for one region. A zero timeout defaults to
// ten seconds.
func NewHTTPBackend(id region.ID, baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		client:  &http.Client{Timeout: timeout},
		region:  id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// remoteErrorBody is the error shape returned by the data service.
type remoteErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Invoke posts payload to the operation endpoint and returns the response
// body. Transport failures wrap ErrUnreachable; non-2xx responses become a
// *RemoteError carrying the service's message and code.
func (b *HTTPBackend) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/rpc/"+op, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("apikey", b.apiKey)
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if sc, ok := SessionFrom(ctx); ok {
		req.Header.Set("X-App-Version", sc.AppVersion)
		req.Header.Set("X-App-Name", sc.AppName)
		req.Header.Set("X-Api-Version", sc.APIVersion)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, b.region, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrUnreachable, b.region, err)
	}

	if resp.StatusCode >= 300 {
		remote := &RemoteError{Operation: op, Region: b.region, Status: resp.StatusCode}
		var eb remoteErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			remote.Message = eb.Message
			remote.Code = eb.Code
		} else {
			remote.Message = strings.TrimSpace(string(body))
			if remote.Message == "" {
				remote.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, remote
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

// SetSessionContext invokes SetContextOperation with sc.
func (b *HTTPBackend) SetSessionContext(ctx context.Context, sc SessionContext) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = b.Invoke(ctx, SetContextOperation, payload)
	return err
}
