package node

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Node names become the trailing DID segment and must stay URL-safe.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config carries everything a running node needs. Fields map one to one
// onto animad's --node.* flags and the [node] section of anima.ini.
type Config struct {
	Name              string   `long:"name" env:"NAME" default:"anima" description:"Node name, the trailing segment of the DID"`
	Domain            string   `long:"domain" env:"DOMAIN" description:"Domain this node is reachable at (host or host:port)"`
	Port              int      `long:"port" env:"PORT" default:"8470" description:"Port of the local HTTP listener"`
	DataDir           string   `long:"data-dir" env:"DATA_DIR" default:"~/.anima" description:"Directory of the essence store"`
	PublicURL         string   `long:"public-url" env:"PUBLIC_URL" description:"Externally reachable URL when fronted by a tunnel or reverse proxy"`
	Bootstrap         []string `long:"bootstrap" env:"BOOTSTRAP" env-delim:"," description:"DID of a peer to introduce this node to on startup (repeatable)"`
	Provider          string   `long:"provider" env:"PROVIDER" default:"auto" description:"Reasoning backend: auto, anthropic, openai, ollama, or claude-cli"`
	DonationPct       int      `long:"donation-pct" env:"DONATION_PCT" default:"0" description:"Percent of the monthly token budget donated to network questions"`
	DevSkipSignatures bool     `long:"dev-skip-signatures" env:"DEV_SKIP_SIGNATURES" description:"Accept inbound messages with invalid signatures (development only)"`
	AutoTunnel        bool     `long:"auto-tunnel" env:"AUTO_TUNNEL" description:"Expose the node through an ngrok tunnel when no public URL is set"`
}

// Validate returns an error for configurations a node cannot run with.
func (c *Config) Validate() error {
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("node name %q must use letters, digits, _ or -", c.Name)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.DonationPct < 0 || c.DonationPct > 100 {
		return fmt.Errorf("donation percentage %d is out of range", c.DonationPct)
	}
	switch c.Provider {
	case "", "auto", "anthropic", "openai", "ollama", "claude-cli", "claude_code":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}

// EffectiveDomain is the percent-encoded host segment DIDs are minted
// under: the public URL's host when one is set, then the configured
// domain, then localhost with the listening port.
func (c *Config) EffectiveDomain() string {
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err == nil && u.Host != "" {
			return strings.ReplaceAll(u.Host, ":", "%3A")
		}
	}
	if c.Domain != "" {
		return strings.ReplaceAll(c.Domain, ":", "%3A")
	}
	return fmt.Sprintf("localhost%%3A%d", c.Port)
}
