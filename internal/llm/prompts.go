package llm

import (
	"fmt"
	"strings"
)

func classificationPrompt(title string, signals []string) string {
	var b strings.Builder
	b.WriteString(`You are triaging clustered user feedback for a software product.

Classify the feedback cluster below into exactly one category:
- "bug": something is broken or behaving incorrectly
- "feature": a request for new functionality
- "ux": friction or confusion with existing, working functionality
- "non_actionable": venting, praise, spam, or anything with no concrete engineering follow-up

Respond with ONLY a JSON object, no other text:
{
  "category": "bug" | "feature" | "ux" | "non_actionable",
  "title": "short imperative title for the underlying issue",
  "summary": "2-3 sentence synthesis of what users are reporting",
  "severity": "critical" | "major" | "minor",
  "suggested_action": "one sentence on what engineering should do",
  "confidence": 0.0-1.0
}

Only include a meaningful severity for bugs; use "minor" otherwise.

Cluster title: `)
	b.WriteString(title)
	b.WriteString("\n\nUser reports:\n")
	for i, s := range signals {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}

func ruleExtractionPrompt(comments []string) string {
	var b strings.Builder
	b.WriteString(`The following are code review comments left on an automated fix.
Extract any reusable coding conventions a future fix should follow. A
convention is general guidance ("use the project logger instead of fmt"),
not a comment about this specific change ("rename this variable").

Respond with ONLY a JSON array of strings, one per convention. Respond
with [] if no comment generalizes.

Review comments:
`)
	for i, c := range comments {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}
