package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/session"
)

var (
	runSessionID string
	runName      string
	runMaxRounds int
	runYes       bool
)

var runCmd = &cobra.Command{
	Use:   "run <instruction...>",
	Short: "Run one instruction against the current directory",
	Long: `Run streams the model's answer, executes the tools it calls, and keeps
going until it answers without tool calls or the round budget is spent.

Mutating and risky tool calls ask for approval on the terminal:
  y  allow this call
  n  deny it (the model is told why)
  a  allow this risk class for the rest of the session

Interrupt (Ctrl-C) aborts the run; its progress is saved.

Examples:
  coder run "fix the failing test in ./parser"
  coder run --session 0199a3c2-... "now update the README"
  coder run --yes --max-rounds 10 "rename Foo to Bar everywhere"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Resume an existing session")
	runCmd.Flags().StringVar(&runName, "name", "", "Name for a new session")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "Override engine.max_rounds")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every tool call without asking")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("instruction is empty")
	}
	if runMaxRounds > 0 {
		cfg.Engine.MaxRounds = runMaxRounds
	}

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, tools, provider, err := prepareRun(store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r := &renderer{w: out}
	var outMu sync.Mutex

	emitter := agentloop.NewEmitter()
	sub := emitter.Subscribe(1024)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range sub.C {
			outMu.Lock()
			r.live(ev)
			outMu.Unlock()
		}
	}()

	approver := policy.Approver(policy.AutoApprove)
	if !runYes {
		prompt := newPromptApprover(cmd.InOrStdin(), out, func() {
			outMu.Lock()
			r.endLine()
			outMu.Unlock()
		})
		approver = prompt.approve
	}

	engine := newEngine(store, provider, tools, 0,
		agentloop.WithEmitter(emitter),
		agentloop.WithApprover(approver),
	)

	fmt.Fprintln(out, dimStyle.Render("session "+sess.ID))
	res, runErr := engine.Run(ctx, sess, text)
	emitter.Unsubscribe(sub)
	<-rendered

	if runErr != nil {
		return runErr
	}
	if res.Outcome == agentloop.OutcomeSuccess && len(res.ToolsUsed) > 0 {
		fmt.Fprintln(out, dimStyle.Render("tools used: "+strings.Join(res.ToolsUsed, ", ")))
	}
	if res.Outcome == agentloop.OutcomeError {
		return fmt.Errorf("run failed (%s): %s", res.Code, res.Summary)
	}
	return nil
}

// prepareRun builds the tool registry and provider before opening the
// session, so a configuration error leaves no empty session behind.
func prepareRun(store *session.Store) (*session.Session, *agentloop.LocalRegistry, *agentloop.LLMProvider, error) {
	tools, err := buildRegistry()
	if err != nil {
		return nil, nil, nil, err
	}
	provider, err := buildProvider(tools)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := openRunSession(store)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, tools, provider, nil
}

// openRunSession resumes --session or creates a session rooted at the
// working directory.
func openRunSession(store *session.Store) (*session.Session, error) {
	if runSessionID != "" {
		sess, err := store.Load(runSessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", runSessionID, err)
		}
		if sess.ProviderID != cfg.Provider.ID {
			logger.Warn("session was created with another provider",
				"session", sess.ID, "session_provider", sess.ProviderID, "configured", cfg.Provider.ID)
		}
		return sess, nil
	}
	wd, err := workingDir()
	if err != nil {
		return nil, err
	}
	return store.Create(cfg.Provider.ID, cfg.Provider.Model, wd, runName)
}

// interruptContext is the signal-aware context the short-lived commands use.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
