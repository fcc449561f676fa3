package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kasirsync/internal/local"
	"kasirsync/internal/pos"
	"kasirsync/internal/syncclient"
)

// terminalEnv is everything one command invocation works with.
type terminalEnv struct {
	store     *local.Store
	transport *syncclient.HTTPTransport
	client    *syncclient.Client
	register  *pos.Register
	out       *OutputFormatter
}

func (e *terminalEnv) Close() error {
	return e.store.Close()
}

// openTerminal opens the local store and wires the register and sync client.
// Commands that talk to the server need a token or an enrollment key.
func openTerminal(cmd *cobra.Command, opts *RootOptions, needsServer bool) (*terminalEnv, error) {
	cfg := opts.Config
	if cfg.TerminalID == "" {
		return nil, NewExitError(ExitCommandError, "terminal id is required (--terminal or TERMINAL_ID)")
	}

	var token syncclient.TokenSource
	switch {
	case cfg.Token != "":
		token = syncclient.StaticToken(cfg.Token)
	case cfg.EnrollmentKey != "":
		token = syncclient.NewEnrollment(cfg.ServerURL, cfg.TerminalID, cfg.EnrollmentKey, cfg.HTTPTimeout).Token
	case needsServer:
		return nil, NewExitError(ExitCommandError, "SYNC_TOKEN or TERMINAL_ENROLLMENT_KEY is required to reach the server")
	}

	store, err := local.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("open %s", cfg.DBPath), err)
	}

	transport := syncclient.NewHTTPTransport(cfg.ServerURL, token, cfg.HTTPTimeout)
	client := syncclient.New(store, transport, cfg.TerminalID, syncclient.Options{
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BaseDelay,
		PushInterval: cfg.PushInterval,
		PullInterval: cfg.PullInterval,
	})
	register := pos.NewRegister(store, cfg.TerminalID)
	register.OnRecorded(client.Trigger)

	return &terminalEnv{
		store:     store,
		transport: transport,
		client:    client,
		register:  register,
		out:       &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}
