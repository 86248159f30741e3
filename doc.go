// Package colloquy is an embeddable multi-agent conversational runtime.
//
// A Bot is an immutable graph of named agents — flow agents that walk
// scripted step lists, LLM agents that hold free-form sub-dialogues,
// ensemble agents that route between candidates, and knowledge-base agents
// that answer from retrieved documents. Per-session mutable state lives in
// a Tracker: an append-only event log, an argument store with cross-agent
// bindings, an agent stack, and per-agent private model histories.
//
// Each inbound user message runs one scheduler turn. The scheduler pops and
// pushes agents on the session stack, every agent emits events (utterances,
// slot updates, completions, failures, handoffs, tool calls), and the
// scheduler folds those events back into the tracker until the turn ends
// with the bot listening for the next message.
//
// Bots are assembled from YAML definitions (see Definition and New) and
// talk to any OpenAI-compatible model through the Provider interface.
package colloquy
