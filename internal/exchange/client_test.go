package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestClient_SignsHMACRequests(t *testing.T) {
	var gotKey, gotSig, gotTs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotSig = r.Header.Get("signature")
		gotTs = r.Header.Get("timestamp")
		w.Write([]byte(`{"success":true,"result":{}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL, APIKey: "key1", APISecret: "secret1",
		AuthMode: AuthHMAC, HeaderAPIKey: "api-key", HeaderSignature: "signature", HeaderTimestamp: "timestamp",
	}, testLogger())

	var out map[string]any
	err := c.Call(context.Background(), "GET", "/v2/products", nil, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "key1", gotKey)
	assert.NotEmpty(t, gotSig)
	assert.NotEmpty(t, gotTs)
}

func TestClient_KeyOnlyOmitsSignature(t *testing.T) {
	var gotSig string
	sawSigHeader := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("signature")
		sawSigHeader = r.Header.Get("signature") != ""
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL, APIKey: "key1", AuthMode: AuthKeyOnly, HeaderAPIKey: "api-key",
	}, testLogger())

	err := c.Call(context.Background(), "GET", "/v2/products", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, sawSigHeader)
	assert.Empty(t, gotSig)
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AuthMode: AuthKeyOnly, HeaderAPIKey: "api-key"}, testLogger())
	err := c.Call(context.Background(), "GET", "/v2/products", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_NonRetryableFailsImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":{"code":"bad_request"}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AuthMode: AuthKeyOnly, HeaderAPIKey: "api-key"}, testLogger())
	err := c.Call(context.Background(), "GET", "/v2/products", nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	var exErr *Error
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadRequest, exErr.Status)
}

func TestClient_SuccessFieldAbsentIsTreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no "success" field at all, just a bare result payload
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, AuthMode: AuthKeyOnly, HeaderAPIKey: "api-key"}, testLogger())
	var out struct {
		Result []any `json:"result"`
	}
	err := c.Call(context.Background(), "GET", "/v2/products", nil, nil, &out)
	require.NoError(t, err)
}
