package storage

import "github.com/codeready-toolchain/llmproxy/pkg/contentblock"

// ClassifyRequest implements spec.md §3's classification rule exactly:
// a single user message with literal content "quota" is a quota probe;
// otherwise a system-prompt block count of ≤ 1 is a query evaluation;
// anything else is ordinary inference.
func ClassifyRequest(messages []contentblock.Message, system *contentblock.System) Classification {
	if len(messages) == 1 && messages[0].Role == "user" && messages[0].TextContent() == "quota" {
		return ClassificationQuota
	}
	if systemBlockCount(system) <= 1 {
		return ClassificationQueryEvaluation
	}
	return ClassificationInference
}

func systemBlockCount(system *contentblock.System) int {
	if system == nil || system.Empty {
		return 0
	}
	return len(system.Blocks)
}
