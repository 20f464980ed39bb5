package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdStatus struct{}

func (cmdStatus) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	var resp, err = http.Get(fmt.Sprintf("http://localhost:%d/api/health", Config.Node.Port))
	if err != nil {
		fmt.Println(red("Node is not running."), "Start it with:", bold("animad serve"))
		return err
	}
	defer resp.Body.Close()

	var health struct {
		Status   string  `json:"status"`
		DID      string  `json:"did"`
		Version  string  `json:"version"`
		Peers    int     `json:"peers"`
		Pending  int     `json:"pending"`
		Maturity float64 `json:"maturity"`
		Budget   struct {
			Used  int64 `json:"used"`
			Limit int64 `json:"limit"`
		} `json:"budget"`
		PublicURL        string  `json:"public_url"`
		LastPeerActivity *string `json:"last_peer_activity"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	var badge = green(health.Status)
	if health.Status != "healthy" {
		badge = red(health.Status)
	}
	fmt.Println(bold("animad"), health.Version, badge)
	fmt.Println()
	fmt.Println("  DID:     ", health.DID)
	if health.PublicURL != "" {
		fmt.Println("  Public:  ", health.PublicURL)
	}
	fmt.Println("  Peers:   ", health.Peers)
	fmt.Println("  Pending: ", health.Pending)
	fmt.Printf("  Maturity: %.2f\n", health.Maturity)
	fmt.Printf("  Budget:   %d / %d tokens\n", health.Budget.Used, health.Budget.Limit)
	if health.LastPeerActivity != nil {
		fmt.Println("  Last peer activity:", *health.LastPeerActivity)
	}
	return nil
}
