package storage

import "github.com/codeready-toolchain/llmproxy/pkg/contentblock"

// extractTaskInvocations scans a response message's content blocks for
// tool_use blocks named "Task" and returns their id and input.prompt
// (spec.md §4.3 "Task-invocation extraction").
func extractTaskInvocations(message contentblock.Message) []TaskInvocation {
	var out []TaskInvocation
	for _, b := range message.Blocks {
		if b.Type != contentblock.TypeToolUse || b.Name != "Task" {
			continue
		}
		prompt, _ := b.Input["prompt"].(string)
		out = append(out, TaskInvocation{ID: b.ID, Prompt: prompt})
	}
	return out
}

// taskInvocationMatches reports whether the raw task_tool_invocation JSON
// column (as decoded into []map[string]interface{}) contains an entry whose
// "prompt" field equals prompt.
func taskInvocationMatches(invocations []map[string]interface{}, prompt string) bool {
	for _, inv := range invocations {
		if p, ok := inv["prompt"].(string); ok && p == prompt {
			return true
		}
	}
	return false
}
