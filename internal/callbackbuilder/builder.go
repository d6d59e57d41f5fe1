// Package callbackbuilder translates natural-language process-hook
// instructions into structured models.Callback values (§4.10): a
// small system prompt asks a cheap sub-agent call to produce a JSON
// array matching the documented schema, which this package parses and
// defaults exactly the way the original implementation's
// build_callbacks_from_instructions/_parse_callbacks do.
package callbackbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultOutputDelaySeconds is applied to an OnOutputMatch trigger
// whose output_delay_seconds field is omitted.
const DefaultOutputDelaySeconds = 2.0

// DefaultMinMessageInterval rate-limits NotifyChannel fires absent an
// explicit min_message_interval.
const DefaultMinMessageInterval = 180.0

// SystemPrompt is sent as the system message to the sub-agent call
// that turns instructions into a callback JSON array.
const SystemPrompt = `You are a callback configuration assistant. Given natural language instructions about what should happen with a running process, produce a JSON array of callback objects.

## Schema

Each callback object has these fields:

` + "```" + `
{
  "trigger": {
    "type": "on_exit" | "on_output_match" | "on_timeout",
    "exit_filter": "any" | "success" | "failure",  // only for on_exit
    "pattern": "regex",                             // only for on_output_match
    "timeout_seconds": number                       // only for on_timeout
  },
  "action": "stop_process" | "stop_branch" | "inject_context" | "spawn_branch" | "notify_channel",
  "context_message": "string — passed to the action handler as context",
  "output_delay_seconds": number,  // wait before firing on_output_match (default 2.0)
  "max_fires": integer,            // how many times this callback can fire (default 1)
  "min_message_interval": number   // rate-limit seconds between notify_channel fires (default 180)
}
` + "```" + `

## Actions explained

- stop_process: Kill the monitored process.
- stop_branch: Kill the LLM execution branch that started this process.
- inject_context: Send a message into the current branch's conversation (the LLM will see it).
- spawn_branch: Start a NEW autonomous LLM branch with context_message as instructions. The new branch can read output, run commands, fix issues, or continue work. This is the primary way to chain autonomous reactions.
- notify_channel: Post a notification to the chat channel (informational only, no LLM action).

## Guidelines

- The context_message for spawn_branch should be a CLEAR INSTRUCTION telling the new branch what to do.
- max_fires: 0 means unlimited (fire every time). max_fires: N (N>0) means fire at most N times.
- For on_output_match hooks, default to max_fires: 0 (unlimited) unless the user specifies a limit.
- For on_exit and on_timeout hooks, default to max_fires: 1 unless the user specifies otherwise.
- For notify_channel with on_output_match, min_message_interval rate-limits notifications (default 180s / 3 min).

Respond ONLY with a JSON array. No explanation.`

// CompleteFunc is a minimal sub-agent call: one system prompt, one
// user message, one text reply. Decouples this package from any
// specific provider so it can be unit tested without a live API key.
type CompleteFunc func(ctx context.Context, systemPrompt, userMessage string) (string, error)

// DefaultCallback is the fallback used when instructions are empty or
// the sub-agent call fails: notify once on any exit.
func DefaultCallback() *models.Callback {
	return &models.Callback{
		Trigger:            models.Trigger{Type: models.TriggerOnExit, ExitFilter: models.ExitAny},
		Action:             models.ActionNotifyChannel,
		ContextMessage:     "Process completed",
		MaxFires:           1,
		MinMessageInterval: DefaultMinMessageInterval,
	}
}

// BuildFromInstructions turns instructions into callbacks via complete,
// falling back to DefaultCallback on empty instructions, a failed
// call, or an empty/invalid parse result — mirroring the original's
// three-tier fallback so a bad NL description never leaves a process
// with zero hooks.
func BuildFromInstructions(ctx context.Context, instructions, command string, complete CompleteFunc, log *slog.Logger) []*models.Callback {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(instructions) == "" {
		return []*models.Callback{DefaultCallback()}
	}
	if complete == nil {
		return []*models.Callback{DefaultCallback()}
	}

	userMessage := fmt.Sprintf("Command: `%s`\nInstructions: %s", command, instructions)
	raw, err := complete(ctx, SystemPrompt, userMessage)
	if err != nil {
		log.Warn("callback builder sub-agent call failed", "error", err)
		return []*models.Callback{DefaultCallback()}
	}

	callbacks, err := ParseCallbacks(raw, DefaultOutputDelaySeconds)
	if err != nil || len(callbacks) == 0 {
		if err != nil {
			log.Warn("callback builder failed to parse sub-agent output", "error", err)
		} else {
			log.Warn("callback builder returned an empty result")
		}
		return []*models.Callback{DefaultCallback()}
	}
	return callbacks
}

// ParseCallbacks parses a JSON document (a single callback object or
// an array of them) into Callback values, applying the documented
// per-field defaults. Invalid entries are skipped rather than failing
// the whole parse, matching the original's per-item error tolerance.
func ParseCallbacks(raw string, defaultOutputDelay float64) ([]*models.Callback, error) {
	text := stripCodeFence(raw)

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		var single json.RawMessage
		if err2 := json.Unmarshal([]byte(text), &single); err2 != nil {
			return nil, fmt.Errorf("callbackbuilder: invalid JSON: %w", err)
		}
		items = []json.RawMessage{single}
	}

	var out []*models.Callback
	for _, item := range items {
		cb, err := parseSingleCallback(item, defaultOutputDelay)
		if err != nil {
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

type callbackDoc struct {
	Trigger struct {
		Type           string   `json:"type"`
		ExitFilter     string   `json:"exit_filter"`
		Pattern        string   `json:"pattern"`
		TimeoutSeconds *float64 `json:"timeout_seconds"`
	} `json:"trigger"`
	Action             string   `json:"action"`
	ContextMessage     string   `json:"context_message"`
	OutputDelaySeconds *float64 `json:"output_delay_seconds"`
	MaxFires           *int     `json:"max_fires"`
	MinMessageInterval *float64 `json:"min_message_interval"`
}

func parseSingleCallback(raw json.RawMessage, defaultOutputDelay float64) (*models.Callback, error) {
	var doc callbackDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("callbackbuilder: invalid callback item: %w", err)
	}

	triggerType := models.TriggerOnExit
	if doc.Trigger.Type != "" {
		triggerType = models.TriggerType(doc.Trigger.Type)
	}

	exitFilter := models.ExitAny
	if doc.Trigger.ExitFilter != "" {
		exitFilter = models.ExitFilter(doc.Trigger.ExitFilter)
	}

	var timeoutSeconds float64
	if doc.Trigger.TimeoutSeconds != nil {
		timeoutSeconds = *doc.Trigger.TimeoutSeconds
	}

	trigger := models.Trigger{
		Type:           triggerType,
		ExitFilter:     exitFilter,
		Pattern:        doc.Trigger.Pattern,
		TimeoutSeconds: timeoutSeconds,
	}

	action := models.ActionSpawnBranch
	if doc.Action != "" {
		action = models.CallbackAction(doc.Action)
	}

	outputDelay := defaultOutputDelay
	if doc.OutputDelaySeconds != nil {
		outputDelay = *doc.OutputDelaySeconds
	} else if triggerType != models.TriggerOnOutputMatch {
		outputDelay = 0
	}

	maxFires := 1
	if doc.MaxFires != nil {
		maxFires = *doc.MaxFires
	} else if triggerType == models.TriggerOnOutputMatch {
		maxFires = 0
	}

	minMessageInterval := DefaultMinMessageInterval
	if doc.MinMessageInterval != nil {
		minMessageInterval = *doc.MinMessageInterval
	}

	return &models.Callback{
		Trigger:            trigger,
		Action:             action,
		ContextMessage:     doc.ContextMessage,
		OutputDelaySeconds: outputDelay,
		MaxFires:           maxFires,
		MinMessageInterval: minMessageInterval,
	}, nil
}
