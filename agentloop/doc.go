// Package agentloop runs the round-by-round tool-call orchestration loop.
//
// A run takes one user instruction and repeats:
//
//   - trim the transcript to the model's budget and stream a response
//   - detect fenced and natively streamed tool calls
//   - apply working-memory updates and report malformed calls back to the model
//   - execute the remaining calls under the execution policy (concurrent
//     reads, at most one mutation, approval gate, loop detection)
//   - append the results in call order and persist the session
//
// until the model answers without tool calls, the round budget is spent,
// the run is cancelled, or a loop is detected. Every step is appended to
// the session's event log and broadcast on the Emitter.
//
// # Quick start
//
//	store, _ := session.NewStore(dataDir)
//	tools, _ := agentloop.NewLocalRegistry()
//	provider := agentloop.NewLLMProvider(client, &toolcall.Parser{KnownTools: tools.Has}, logger)
//	engine := agentloop.NewEngine(store, provider, tools, agentloop.Config{MaxRounds: 25})
//
//	sess, _ := store.Create("anthropic", "claude-sonnet-4-5", workspace, "")
//	res, err := engine.Run(ctx, sess, "add a --verbose flag")
package agentloop
