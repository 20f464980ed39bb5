package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/animanet/anima/go/node"
	"github.com/animanet/anima/go/server"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("animad configuration")

	Config.Node.DataDir = expandHome(Config.Node.DataDir)

	var n = node.New(Config.Node)
	var tasks = task.NewGroup(context.Background())

	if err := n.Start(tasks.Context()); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	var srv = server.New(n, nil)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	n.QueueTasks(tasks)
	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"did":      n.Identity.DID,
		"endpoint": srv.Endpoint(),
	}).Info("starting animad")

	// Install signal handler & start node tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err := tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}
