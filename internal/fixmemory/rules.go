package fixmemory

import (
	"regexp"
	"strings"
)

// prescriptiveRe matches review sentences that read as general guidance
// rather than change-specific nitpicks. Used only when the LLM extractor is
// unavailable; it overcollects slightly, and the usage-count ranking buries
// anything that never recurs.
var prescriptiveRe = regexp.MustCompile(`(?i)\b(always|never|prefer|avoid|use|do not|don't|should)\b`)

// sentenceSplitRe breaks a comment into candidate sentences.
var sentenceSplitRe = regexp.MustCompile(`[.!?\n]+`)

// heuristicRules extracts prescriptive sentences from review comments.
func heuristicRules(comments []string) []string {
	var out []string
	for _, comment := range comments {
		for _, sentence := range sentenceSplitRe.Split(comment, -1) {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" || !prescriptiveRe.MatchString(sentence) {
				continue
			}
			out = append(out, sentence)
		}
	}
	return out
}

// NormalizeRule canonicalizes a rule for dedup: casefolded, whitespace
// collapsed, trailing punctuation stripped. Two phrasings that normalize
// identically share one usage count.
func NormalizeRule(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRight(normalized, ".!? ")
}
