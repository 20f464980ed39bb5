package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectTunnel(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"tunnels": [
				{"proto": "http", "public_url": "http://abc.ngrok.app",
				 "config": {"addr": "http://localhost:8470"}},
				{"proto": "https", "public_url": "https://abc.ngrok.app",
				 "config": {"addr": "http://localhost:8470"}},
				{"proto": "https", "public_url": "https://other.ngrok.app",
				 "config": {"addr": "http://localhost:9999"}}
			]
		}`))
	}))
	t.Cleanup(srv.Close)
	var ctx = context.Background()

	// Only the HTTPS tunnel forwarding to our port counts.
	require.Equal(t, "https://abc.ngrok.app", detectTunnel(ctx, srv.URL, 8470))
	require.Equal(t, "https://other.ngrok.app", detectTunnel(ctx, srv.URL, 9999))
	require.Empty(t, detectTunnel(ctx, srv.URL, 7000))
}

func TestDetectTunnelNoAgent(t *testing.T) {
	// Nothing listens on the API address.
	require.Empty(t, detectTunnel(context.Background(), "http://127.0.0.1:1/api/tunnels", 8470))
}

func TestDetectTunnelBadPayload(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)
	require.Empty(t, detectTunnel(context.Background(), srv.URL, 8470))
}
