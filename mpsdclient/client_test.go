package mpsdclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSetsHeadersAndDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XBL3.0 x=hash;token", r.Header.Get("Authorization"))
		assert.Equal(t, "107", r.Header.Get("x-xbl-contract-version"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.Client())
	var out struct {
		OK bool `json:"ok"`
	}
	_, err := c.Do(context.Background(), Request{
		Method:          http.MethodPut,
		URL:             srv.URL,
		AuthHeader:      AuthHeader("hash", "token"),
		ContractVersion: "107",
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestDoToleratesEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client())
	var out map[string]interface{}
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, &out)
	require.NoError(t, err)
}

func TestAuthHeaderFormat(t *testing.T) {
	assert.Equal(t, "XBL3.0 x=h;tok", AuthHeader("h", "tok"))
}

func TestDoReturnsErrorOnNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client())
	_, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: srv.URL}, nil)
	require.Error(t, err)
}
