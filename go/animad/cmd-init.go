package main

import (
	"context"
	"fmt"

	"github.com/animanet/anima/go/node"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdInit struct{}

func (cmdInit) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	Config.Node.DataDir = expandHome(Config.Node.DataDir)
	// Provisioning is offline. Never shell out for a tunnel here.
	Config.Node.AutoTunnel = false

	var n = node.New(Config.Node)
	if err := n.Start(context.Background()); err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	fmt.Println(green("Anima node initialized."))
	fmt.Println()
	fmt.Println("  Name:     ", bold(n.Config.Name))
	fmt.Println("  DID:      ", bold(n.Identity.DID))
	fmt.Println("  Data dir: ", n.Config.DataDir)
	fmt.Println("  Provider: ", n.Engine.Provider().Name())
	fmt.Println()
	fmt.Println("Start it with:", bold("animad serve"))
	return nil
}
