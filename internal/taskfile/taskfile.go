// Package taskfile handles the core's one point of contact with the
// (out-of-scope, per spec §1) task-file markdown subsystem: extracting
// the opaque `taskId` marker a task file carries, and deciding whether a
// completed session should trigger review post-processing.
package taskfile

import (
	"os"
	"regexp"
	"strings"
)

// markerRe matches `<!-- taskId: ... -->` (spec §4.6), tolerant of
// surrounding whitespace.
var markerRe = regexp.MustCompile(`<!--\s*taskId:\s*([A-Za-z0-9_-]+)\s*-->`)

// ExtractTaskID reads the file at path and returns the taskId embedded in
// its marker comment, if any. A missing file or missing marker is not an
// error — the caller treats an empty taskID as "no task-scoped worktree
// sharing for this session" (spec §4.6: taskPath is otherwise opaque).
func ExtractTaskID(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	m := markerRe.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// reviewPrefixes are the title prefixes that mark a session as review-
// worthy (spec §1: "invokes postProcessTaskReview(sessionId) when the
// session's title begins with Review: or Verify:").
var reviewPrefixes = []string{"Review:", "Verify:"}

// NeedsReview reports whether title identifies a review/verify session.
func NeedsReview(title string) bool {
	for _, p := range reviewPrefixes {
		if strings.HasPrefix(title, p) {
			return true
		}
	}
	return false
}

// ReviewHook is the out-of-scope callback invoked for completed sessions
// whose title needs review post-processing. The core treats it as an
// opaque notification; the task-file subsystem supplies the real
// implementation.
type ReviewHook func(sessionID string)
