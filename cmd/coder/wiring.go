package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/contextwindow"
	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/session"
	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

// snapshotCacheBytes bounds the store's snapshot read cache.
const snapshotCacheBytes = 64 << 20

func openStore() (*session.Store, error) {
	store, err := session.NewStore(cfg.SessionsDir(),
		session.WithLogger(logger),
		session.WithSnapshotCache(snapshotCacheBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

func buildRegistry() (*agentloop.LocalRegistry, error) {
	opts := []agentloop.RegistryOption{
		agentloop.WithDeniedPatterns(cfg.Tools.DeniedPatterns...),
		agentloop.WithRiskPatterns(cfg.Tools.RiskPatterns...),
	}
	if cfg.Tools.ShellTimeout > 0 {
		opts = append(opts, agentloop.WithShellTimeout(cfg.Tools.ShellTimeout))
	}
	if !cfg.Tools.ShellEnabled {
		opts = append(opts, agentloop.WithoutShell())
	}
	reg, err := agentloop.NewLocalRegistry(opts...)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	return reg, nil
}

func buildProvider(tools agentloop.ToolRegistry) (*agentloop.LLMProvider, error) {
	p := cfg.Provider
	adapterOpts := []unifiedllm.GollmAdapterOption{unifiedllm.WithModel(p.Model)}
	if p.MaxTokens > 0 {
		adapterOpts = append(adapterOpts, unifiedllm.WithMaxTokens(p.MaxTokens))
	}
	adapter, err := unifiedllm.NewGollmAdapter(p.ID, cfg.APIKey(), adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(p.ID, adapter),
		unifiedllm.WithDefaultProvider(p.ID),
		unifiedllm.WithStreamMiddleware(unifiedllm.StreamMetrics(meter(), logger)),
	)

	provider := agentloop.NewLLMProvider(client, &toolcall.Parser{KnownTools: tools.Has}, logger)
	provider.Policy.MaxRetries = p.MaxRetries
	if p.BaseDelay > 0 {
		provider.Policy.BaseDelay = p.BaseDelay
	}
	if p.AttemptTimeout > 0 {
		provider.Policy.AttemptTimeout = p.AttemptTimeout
	}
	provider.Policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying provider call", "provider", p.ID, "attempt", attempt, "delay", delay, "error", err)
	}
	return provider, nil
}

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter("github.com/martinemde/coder")
}

// newEngine wires an engine from the loaded config. provider may be nil
// for commands that never stream, such as compact.
func newEngine(store *session.Store, provider agentloop.Provider, tools agentloop.ToolRegistry, preserve int, opts ...agentloop.Option) *agentloop.Engine {
	if preserve <= 0 {
		preserve = cfg.Engine.PreserveTurns
	}
	ec := cfg.Engine
	engineCfg := agentloop.Config{
		MaxRounds:        ec.MaxRounds,
		LoopThreshold:    ec.LoopThreshold,
		MaxParallelReads: ec.MaxParallelReads,
		MaxTokens:        cfg.Provider.MaxTokens,
		ShellTimeout:     cfg.Tools.ShellTimeout,
		DenialMessage:    ec.DenialMessage,
		OutputLimits:     cfg.OutputLimits(),
	}
	base := []agentloop.Option{
		agentloop.WithWindow(contextwindow.NewManager(preserve, ec.ContextBudgetRatio)),
		agentloop.WithLogger(logger),
		agentloop.WithMeter(meter()),
	}
	return agentloop.NewEngine(store, provider, tools, engineCfg, append(base, opts...)...)
}

// promptApprover asks on the terminal before a risky or mutating call
// runs. Answers: y (allow), n (deny), a (allow this risk class for the
// rest of the session).
type promptApprover struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan lineRead
	// before runs ahead of each prompt, to end a streamed line.
	before func()
}

type lineRead struct {
	line string
	err  error
}

// newPromptApprover starts one reader over in that lives for the process,
// so a prompt abandoned on cancellation never races a later one.
func newPromptApprover(in io.Reader, out io.Writer, before func()) *promptApprover {
	p := &promptApprover{out: out, lines: make(chan lineRead), before: before}
	go func() {
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadString('\n')
			p.lines <- lineRead{line, err}
			if err != nil {
				close(p.lines)
				return
			}
		}
	}()
	return p
}

func (p *promptApprover) approve(ctx context.Context, call toolcall.Call, risk int) (policy.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.before != nil {
		p.before()
	}

	label := "mutating call"
	if risk >= 0 && risk < len(cfg.Tools.RiskPatterns) {
		label = "matches " + cfg.Tools.RiskPatterns[risk]
	}
	fmt.Fprintf(p.out, "%s %s %s\n", warnStyle.Render("approve?"), toolStyle.Render(call.Tool), dimStyle.Render(summarizeArgs(call.Args)))
	fmt.Fprintf(p.out, "  %s [y/n/a] ", dimStyle.Render(label))

	var a lineRead
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return policy.Deny, ctx.Err()
	case got, ok := <-p.lines:
		if !ok {
			return policy.Deny, io.EOF
		}
		a = got
	}
	if a.err != nil && a.line == "" {
		return policy.Deny, a.err
	}
	switch strings.ToLower(strings.TrimSpace(a.line)) {
	case "y", "yes":
		return policy.Allow, nil
	case "a", "always":
		return policy.AllowAlways, nil
	default:
		return policy.Deny, nil
	}
}

// riskDenier is the daemon's gate: nobody is at a terminal to ask, so
// calls matching a risk pattern are refused unless allowRisky is set.
// Plain mutations go through.
func riskDenier(allowRisky bool) policy.Approver {
	return func(ctx context.Context, call toolcall.Call, risk int) (policy.Decision, error) {
		if risk >= 0 && !allowRisky {
			logger.Info("risky call denied", "tool", call.Tool, "risk", risk)
			return policy.Deny, nil
		}
		return policy.Allow, nil
	}
}

func workingDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return wd, nil
}
