package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/coder/attach"
	"github.com/martinemde/coder/session"
)

var (
	attachSince int64
	attachSend  string
	attachURL   string
	attachExit  bool
)

var attachCmd = &cobra.Command{
	Use:   "attach [session-id]",
	Short: "Follow a session running in the daemon",
	Long: `Attach connects to the daemon, replays every event after --since, then
prints new events as they happen. If the connection drops, attach
reconnects and resumes after the last event it printed.

With --send, the instruction is submitted to the session first; without a
session id a new session is created. --exit makes attach return once that
run completes.

Examples:
  coder attach 0199a3c2-...                      # follow from the start
  coder attach 0199a3c2-... --since 120          # only events after seq 120
  coder attach --send "summarize the repo" --exit
  coder attach --url ws://devbox:7070/attach 0199a3c2-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel the active run of a daemon session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()
		client, err := dialDaemon(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		cancelled, err := client.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if cancelled {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("cancelled"))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no active run"))
		}
		return nil
	},
}

func init() {
	attachCmd.Flags().Int64Var(&attachSince, "since", 0, "Replay only events after this seq")
	attachCmd.Flags().StringVar(&attachSend, "send", "", "Submit this instruction before following")
	attachCmd.Flags().StringVar(&attachURL, "url", "", "Attach over a websocket URL instead of the unix socket")
	attachCmd.Flags().BoolVar(&attachExit, "exit", false, "With --send, exit when the submitted run completes")
	cancelCmd.Flags().StringVar(&attachURL, "url", "", "Cancel over a websocket URL instead of the unix socket")
	rootCmd.AddCommand(attachCmd, cancelCmd)
}

func dialDaemon(ctx context.Context) (*attach.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if attachURL != "" {
		return attach.DialWebSocket(dialCtx, attachURL, logger)
	}
	client, err := attach.Dial(dialCtx, "unix", cfg.Daemon.Socket, logger)
	if err != nil {
		return nil, fmt.Errorf("%w (is `coder daemon` running?)", err)
	}
	return client, nil
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	}
	if sessionID == "" && attachSend == "" {
		return errors.New("a session id or --send is required")
	}

	client, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer func() { client.Close() }()

	out := cmd.OutOrStdout()
	waitRun := ""
	if attachSend != "" {
		resp, err := client.Submit(ctx, sessionID, attachSend)
		if err != nil {
			return err
		}
		sessionID = resp.SessionID
		if attachExit {
			waitRun = resp.RunID
		}
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("session %s run %s", resp.SessionID, resp.RunID)))
	}

	r := &renderer{w: out, showSeq: true}
	lastSeen := attachSince
	for {
		sub, err := client.Attach(ctx, sessionID, lastSeen)
		if err != nil {
			return err
		}
		if sub.Replay.ToSeq >= sub.Replay.FromSeq {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("replaying %d..%d", sub.Replay.FromSeq, sub.Replay.ToSeq)))
		}

		done, err := follow(ctx, r, sub, waitRun)
		lastSeen = sub.LastSeq()
		if done || ctx.Err() != nil {
			return nil
		}
		logger.Warn("attach connection lost, reconnecting", "session", sessionID, "last_seq", lastSeen, "error", err)

		client.Close()
		client, err = reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// follow prints events until ctx ends, the subscription closes, or the
// awaited run completes. done reports that attach should exit.
func follow(ctx context.Context, r *renderer, sub *attach.Subscription, waitRun string) (done bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-sub.C:
			if !ok {
				return false, sub.Err()
			}
			r.logged(ev)
			if waitRun != "" && ev.Type == session.EventRunComplete && ev.RunID == waitRun {
				return true, nil
			}
		}
	}
}

// reconnect dials the daemon with capped exponential backoff.
func reconnect(ctx context.Context) (*attach.Client, error) {
	delay := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		client, err := dialDaemon(ctx)
		if err == nil {
			return client, nil
		}
		if attempt >= 8 {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 5*time.Second)
	}
}
