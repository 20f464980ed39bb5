// animad is the anima node daemon and its operator tooling: one binary
// which runs the node (serve), provisions an identity (init), and talks
// to a running daemon (status, send).
package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/animanet/anima/go/node"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "anima.ini"

type config struct {
	Node node.Config `group:"Node" namespace:"node" env-namespace:"NODE"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Config is the top-level configuration object of animad.
var Config = new(config)

func main() {
	// Provider API keys commonly live in a .env next to anima.ini.
	// Load it before parsing so env-sourced flags observe its values.
	_ = godotenv.Load()

	var parser = flags.NewParser(Config, flags.Default)

	addCmd(parser, "serve", "Run the anima node", `
Run the anima node with the provided configuration, until signaled to
exit (via SIGTERM). The node serves the ANP wire protocol, the owner
API and event stream, and runs the inbound, outbound, and gossip loops.
`, &cmdServe{})

	addCmd(parser, "init", "Provision a node identity", `
Generate the node's Ed25519 identity and essence store under the data
directory, without starting the daemon. Running init over an existing
data directory keeps the identity it finds there.
`, &cmdInit{})

	addCmd(parser, "status", "Show the status of a running node", `
Query the local daemon's health endpoint and print a summary of its
identity, peers, pending reviews, and token budget.
`, &cmdStatus{})

	addCmd(parser, "send", "Send a message to a peer", `
Send a thread message to a peer DID. The message is routed through the
local daemon when one is running, and signed and delivered directly
otherwise.
`, &cmdSend{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}

// expandHome resolves a leading ~ against the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
var bold = color.New(color.Bold).SprintFunc()
