package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

// BuildErrorMessage creates Block Kit blocks for an upstream-error
// notification (spec.md §4.5 step 7).
func BuildErrorMessage(requestID, domain string, cause error) []goslack.Block {
	headerText := fmt.Sprintf(":x: *Proxy request failed*\n*Domain:* %s\n*Request ID:* `%s`", domain, requestID)
	body := truncateForSlack(cause.Error())

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Error:*\n%s", body), false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
