package cli

import "strings"

// approvalKeywords and yesNoMarkers drive the free-text fallback that
// scans stderr/unparsed stdout for human-in-the-loop prompts a product's
// JSON stream doesn't surface structurally (spec §4.3.a).
var approvalKeywords = []string{
	"do you want to proceed",
	"allow this action",
	"permission required",
	"approve this",
	"[y/n]",
	"(y/n)",
}

var inputKeywords = []string{
	"waiting for input",
	"please provide",
	"your response:",
}

// classifyFreeText reports whether an unparsed line of stdout/stderr
// heuristically indicates the backend is waiting on a human, and which
// kind of wait it is.
func classifyFreeText(line string) (waitingApproval, waitingInput bool) {
	lower := strings.ToLower(line)
	for _, kw := range approvalKeywords {
		if strings.Contains(lower, kw) {
			return true, false
		}
	}
	for _, kw := range inputKeywords {
		if strings.Contains(lower, kw) {
			return false, true
		}
	}
	return false, false
}
