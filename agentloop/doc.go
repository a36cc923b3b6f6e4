// Package agentloop implements the conversation loop of a coding agent.
//
// An Agent alternates between two states. In StateAwaitingInput it reads a
// line from its InputReader; the keyword "exit" stops it. In
// StateAwaitingModel it sends the transcript and tool definitions to a
// ModelClient. A plain answer goes to the ResponseHandler and control returns
// to the user. Tool requests are resolved one at a time, in the order the
// model emitted them, and the model is called again with the results.
//
// Model failures never end the session: they are reported on the Output side
// channel and the agent waits for new input with the transcript intact.
// Tools report their own failures as result strings.
//
// # Architecture
//
//   - Agent: the state machine owning the transcript.
//   - ModelClient / LLMClient: the model boundary, backed by unifiedllm.
//   - ToolRegistry / Tool: registration, schemas and validated dispatch.
//   - ExecutionEnvironment: where file operations run.
//   - EventEmitter: typed event stream for host applications.
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	registry := agentloop.NewToolRegistry()
//	if err := agentloop.RegisterFileTools(registry, env); err != nil {
//	    log.Fatal(err)
//	}
//
//	model := agentloop.NewLLMClient(client, agentloop.WithModel("claude-sonnet-4-20250514"))
//	cfg := agentloop.DefaultAgentConfig()
//	cfg.SystemPrompt = agentloop.BuildSystemPrompt(env, registry, model.Model(), "")
//
//	agent := agentloop.NewAgent(model, registry, input, responses, &cfg)
//	if err := agent.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package agentloop
