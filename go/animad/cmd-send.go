package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/transport"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const sendTimeout = 15 * time.Second

type cmdSend struct {
	To      string `long:"to" required:"true" description:"DID of the recipient"`
	Subject string `long:"subject" description:"Optional subject of a new thread"`

	Args struct {
		Content []string `required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdSend) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	if !identity.ValidDID(cmd.To) {
		return fmt.Errorf("invalid recipient DID %q", cmd.To)
	}
	var content = strings.Join(cmd.Args.Content, " ")

	var body, err = json.Marshal(map[string]string{
		"to_did":  cmd.To,
		"content": content,
		"subject": cmd.Subject,
	})
	if err != nil {
		return err
	}

	// Prefer the running daemon, which journals the thread and adjusts
	// peer trust. Fall back to direct signed delivery when it isn't up.
	resp, err := http.Post(
		fmt.Sprintf("http://localhost:%d/api/send", Config.Node.Port),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return cmd.sendDirect(content)
	}
	defer resp.Body.Close()

	var result struct {
		Status   string `json:"status"`
		ThreadID string `json:"thread_id"`
		Error    string `json:"error"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding send response: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("daemon rejected message: %s", result.Error)
	}
	if result.Status != "sent" {
		fmt.Println(red("delivery failed;"), "the daemon kept the thread for review")
		return fmt.Errorf("delivery to %s failed", cmd.To)
	}
	fmt.Println(green("sent"), "thread", result.ThreadID)
	return nil
}

// sendDirect signs and posts the message without a daemon. The thread
// is not journaled locally; replies reach the node once it runs again.
func (cmd cmdSend) sendDirect(content string) error {
	var id, err = identity.Load(expandHome(Config.Node.DataDir))
	if err != nil {
		return fmt.Errorf("no daemon is running and no identity was found (run 'animad init' first): %w", err)
	}

	var m = message.New(message.TypeThreadMessage, id.DID, cmd.To, content)
	m.Subject = cmd.Subject

	var ctx, cancel = context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if !transport.New(id).Send(ctx, m) {
		return fmt.Errorf("delivery to %s failed", cmd.To)
	}
	fmt.Println(green("sent"), "thread", m.ThreadID)
	return nil
}
