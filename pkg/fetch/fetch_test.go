package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "probe/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("X-Test", "1")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer srv.Close()

	res, err := Fetch(context.Background(), srv.URL, Options{
		Headers: []string{"User-Agent: probe/1.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("X-Test"))
	assert.JSONEq(t, `{"ip":"203.0.113.7"}`, string(res.Body))
	assert.Greater(t, int64(res.Latency), int64(0))
}

func TestFetchMaxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	res, err := Fetch(context.Background(), srv.URL, Options{MaxBody: 4})
	require.NoError(t, err)
	assert.Equal(t, "0123", string(res.Body))
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
		opts Options
	}{
		{name: "bad transport", url: "http://example.invalid", opts: Options{Transport: "nosuchscheme://x"}},
		{name: "bad header", url: "http://example.invalid", opts: Options{Headers: []string{"no-colon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fetch(context.Background(), tt.url, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestFetchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fetch(ctx, "http://127.0.0.1:1", Options{})
	assert.Error(t, err)
}
