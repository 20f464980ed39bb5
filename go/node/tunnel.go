package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// Local inspection API of a running ngrok agent.
	ngrokAPI          = "http://127.0.0.1:4040/api/tunnels"
	ngrokProbeTimeout = 2 * time.Second
	ngrokStartPolls   = 20
	ngrokPollInterval = 500 * time.Millisecond
)

// detectTunnel asks the agent at |api| for an HTTPS tunnel forwarding to
// |port| and returns its public URL, or "" when none is up.
func detectTunnel(ctx context.Context, api string, port int) string {
	var reqCtx, cancel = context.WithTimeout(ctx, ngrokProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, api, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var payload struct {
		Tunnels []struct {
			Proto     string `json:"proto"`
			PublicURL string `json:"public_url"`
			Config    struct {
				Addr string `json:"addr"`
			} `json:"config"`
		} `json:"tunnels"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	for _, tn := range payload.Tunnels {
		if tn.Proto == "https" && strings.Contains(tn.Config.Addr, strconv.Itoa(port)) {
			return tn.PublicURL
		}
	}
	return ""
}

// startTunnel launches an ngrok agent for |port| and polls until it
// reports a public URL. Returns "" if ngrok is not installed or no tunnel
// comes up in time.
func startTunnel(ctx context.Context, port int) string {
	if _, err := exec.LookPath("ngrok"); err != nil {
		log.Debug("ngrok is not installed; running without a tunnel")
		return ""
	}

	var cmd = exec.Command("ngrok", "http", strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		log.WithField("err", err).Warn("failed to start ngrok")
		return ""
	}
	// The agent outlives us as a detached child; reap it if it exits.
	go func() { _ = cmd.Wait() }()

	for i := 0; i != ngrokStartPolls; i++ {
		select {
		case <-time.After(ngrokPollInterval):
		case <-ctx.Done():
			return ""
		}
		if url := detectTunnel(ctx, ngrokAPI, port); url != "" {
			return url
		}
	}
	log.Warn("ngrok started but no tunnel appeared")
	return ""
}
