package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/servelane/internal/region"
)

func TestHTTPBackendInvoke(t *testing.T) {
	var gotPath, gotBody, gotKey, gotAuth, gotAppVersion, gotAPIVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		gotAppVersion = r.Header.Get("X-App-Version")
		gotAPIVersion = r.Header.Get("X-Api-Version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":["pho"]}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend("eu-west-1", srv.URL+"/", "secret", time.Second)
	ctx := WithSession(context.Background(), SessionContext{AppVersion: "1.5.0", AppName: "customer", APIVersion: "v3"})

	out, err := b.Invoke(ctx, "get_smart_menu", json.RawMessage(`{"store_id":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["pho"]}`, string(out))
	assert.Equal(t, "/rpc/get_smart_menu", gotPath)
	assert.Equal(t, `{"store_id":1}`, gotBody)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "1.5.0", gotAppVersion)
	assert.Equal(t, "v3", gotAPIVersion)
}

func TestHTTPBackendEmptyPayloadAndBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := NewHTTPBackend("us-east-1", srv.URL, "", 0).Invoke(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", gotBody)
	assert.Equal(t, "null", string(out))
}

func TestHTTPBackendRemoteError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantMsg    string
		wantStatus int
	}{
		{
			name:       "structured error body",
			status:     http.StatusBadRequest,
			body:       `{"message":"store is closed","code":"P0001"}`,
			wantCode:   "P0001",
			wantMsg:    "store is closed",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "plain text body",
			status:     http.StatusInternalServerError,
			body:       "kaboom",
			wantMsg:    "kaboom",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "empty body",
			status:     http.StatusBadGateway,
			wantMsg:    "Bad Gateway",
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPBackend("us-east-1", srv.URL, "", time.Second).Invoke(context.Background(), "place_order", nil)
			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, "place_order", remote.Operation)
			assert.Equal(t, region.ID("us-east-1"), remote.Region)
			assert.Equal(t, tt.wantCode, remote.Code)
			assert.Equal(t, tt.wantMsg, remote.Message)
			assert.Equal(t, tt.wantStatus, remote.Status)
			assert.Contains(t, remote.Error(), tt.wantMsg)
		})
	}
}

func TestHTTPBackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBackend("us-east-1", url, "", time.Second).Invoke(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPBackendRejectsInvalidOperation(t *testing.T) {
	b := NewHTTPBackend("us-east-1", "http://127.0.0.1:1", "", time.Second)
	for _, op := range []string{"", "../admin", "DROP TABLE", "get-menu"} {
		_, err := b.Invoke(context.Background(), op, nil)
		assert.ErrorIs(t, err, ErrInvalidOperation, op)
	}
}

func TestHTTPBackendSetSessionContext(t *testing.T) {
	var gotPath string
	var got SessionContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sc := SessionContext{AppVersion: "1.0.0", AppName: "staff", APIVersion: "v1"}
	require.NoError(t, NewHTTPBackend("us-east-1", srv.URL, "", time.Second).SetSessionContext(context.Background(), sc))
	assert.Equal(t, "/rpc/"+SetContextOperation, gotPath)
	assert.Equal(t, sc, got)
}

func TestPool(t *testing.T) {
	a := NewHTTPBackend("us-east-1", "http://a", "", 0)
	p := NewPool(map[region.ID]Backend{"us-east-1": a, "eu-west-1": nil})

	b, err := p.For("us-east-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = p.For("eu-west-1")
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Equal(t, []region.ID{"us-east-1"}, p.Regions())
	assert.NoError(t, p.Close())
}

func TestSessionContextRoundTrip(t *testing.T) {
	_, ok := SessionFrom(context.Background())
	assert.False(t, ok)

	sc := SessionContext{AppVersion: "2.0.0", AppName: "web", APIVersion: "v2"}
	got, ok := SessionFrom(WithSession(context.Background(), sc))
	assert.True(t, ok)
	assert.Equal(t, sc, got)
}
