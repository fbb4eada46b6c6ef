// Package metadata implements the passive metadata analyzer (spec §4.7):
// a pure observer over a session's chunk stream that maintains derived
// counters, a tool histogram, edited files, and a token-budget estimate.
package metadata

import (
	"strings"

	"github.com/agentz/agentz/internal/session"
)

// systemPromptBaseline is the fixed token overhead assumed for every
// session before any adapter reports actual usage (spec §4.7).
const systemPromptBaseline = 2000

// writeLikeTools are lowercase substrings of a tool name that imply a
// file-mutating operation, used to populate EditedFiles.
var writeLikeTools = []string{"write", "edit", "create", "delete"}

// categoryRules classify a tool name into read/write/execute/other by
// lowercase substring match, evaluated in this order (first match wins).
var categoryRules = []struct {
	substr string
	bucket string
}{
	{"write", "write"}, {"edit", "write"}, {"create", "write"}, {"delete", "write"},
	{"read", "read"}, {"cat", "read"}, {"view", "read"}, {"grep", "read"}, {"glob", "read"}, {"search", "read"},
	{"exec", "execute"}, {"run", "execute"}, {"bash", "execute"}, {"shell", "execute"}, {"command", "execute"},
}

// Analyzer maintains a running Metadata snapshot for one session.
type Analyzer struct {
	modelLimit int
	meta       session.Metadata
	editedSet  map[string]struct{}
}

// NewAnalyzer constructs an Analyzer seeded with the baseline token
// estimate. modelLimit is the model's context window, used to compute
// UtilizationPercent.
func NewAnalyzer(modelLimit int) *Analyzer {
	if modelLimit <= 0 {
		modelLimit = 200_000
	}
	a := &Analyzer{
		modelLimit: modelLimit,
		editedSet:  make(map[string]struct{}),
	}
	a.meta.EstimatedTokens = systemPromptBaseline
	a.recomputeUtilization()
	return a
}

// Restore rebuilds an Analyzer from a previously persisted Metadata
// snapshot (spec §5: a session recovered from the store resumes
// metadata tracking from where it left off rather than from zero).
func Restore(meta session.Metadata, modelLimit int) *Analyzer {
	if modelLimit <= 0 {
		modelLimit = 200_000
	}
	a := &Analyzer{
		modelLimit: modelLimit,
		meta:       meta,
		editedSet:  make(map[string]struct{}, len(meta.EditedFiles)),
	}
	for _, f := range meta.EditedFiles {
		a.editedSet[f] = struct{}{}
	}
	if a.meta.ToolHistogram != nil {
		cp := make(map[string]int, len(meta.ToolHistogram))
		for k, v := range meta.ToolHistogram {
			cp[k] = v
		}
		a.meta.ToolHistogram = cp
	}
	if meta.EditedFiles != nil {
		a.meta.EditedFiles = append([]string(nil), meta.EditedFiles...)
	}
	return a
}

// Observe updates the running counters for one appended chunk. This is
// the analyzer's only write path — it never mutates the session, only
// its own derived snapshot.
func (a *Analyzer) Observe(c session.OutputChunk) {
	switch c.Kind {
	case session.ChunkText:
		a.meta.TextChunks++
		a.meta.EstimatedTokens += estimateTokens(c.Content)
	case session.ChunkThinking:
		a.meta.ThinkingChunks++
		a.meta.EstimatedTokens += estimateTokens(c.Content)
	case session.ChunkError:
		a.meta.ErrorChunks++
	case session.ChunkSystem:
		a.meta.SystemChunks++
	case session.ChunkToolUse:
		a.observeToolUse(c)
	}
	a.recomputeUtilization()
}

func (a *Analyzer) observeToolUse(c session.OutputChunk) {
	a.meta.ToolCalls++

	toolName, _ := stringMeta(c.Metadata, session.MetaToolName)
	if toolName == "" {
		toolName, _ = stringMeta(c.Metadata, session.MetaTool)
	}
	if toolName != "" {
		if a.meta.ToolHistogram == nil {
			a.meta.ToolHistogram = make(map[string]int)
		}
		a.meta.ToolHistogram[toolName]++
	}

	switch categoryFor(toolName) {
	case "read":
		a.meta.CategoryRead++
	case "write":
		a.meta.CategoryWrite++
	case "execute":
		a.meta.CategoryExecute++
	default:
		a.meta.CategoryOther++
	}

	if isWriteLike(toolName) {
		if path, ok := stringMeta(c.Metadata, session.MetaPath); ok && path != "" {
			a.recordEditedFile(path)
		} else if path, ok := inputPath(c.Metadata); ok {
			a.recordEditedFile(path)
		}
	}
}

func (a *Analyzer) recordEditedFile(path string) {
	if _, ok := a.editedSet[path]; ok {
		return
	}
	a.editedSet[path] = struct{}{}
	a.meta.EditedFiles = append(a.meta.EditedFiles, path)
}

// ObserveComplete replaces the token estimate with the adapter-reported
// actual usage, per spec §4.7 ("actual counts replace the estimate").
func (a *Analyzer) ObserveComplete(usage session.TokenUsage) {
	u := usage
	a.meta.ActualTokens = &u
	a.recomputeUtilization()
}

func (a *Analyzer) recomputeUtilization() {
	tokens := a.meta.EstimatedTokens
	if a.meta.ActualTokens != nil {
		tokens = a.meta.ActualTokens.Input + a.meta.ActualTokens.Output
	}
	a.meta.UtilizationPercent = 100 * float64(tokens) / float64(a.modelLimit)
}

// Snapshot returns a copy of the current derived metadata.
func (a *Analyzer) Snapshot() session.Metadata {
	out := a.meta
	if a.meta.ToolHistogram != nil {
		out.ToolHistogram = make(map[string]int, len(a.meta.ToolHistogram))
		for k, v := range a.meta.ToolHistogram {
			out.ToolHistogram[k] = v
		}
	}
	if a.meta.EditedFiles != nil {
		out.EditedFiles = append([]string(nil), a.meta.EditedFiles...)
	}
	return out
}

func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

func categoryFor(toolName string) string {
	lower := strings.ToLower(toolName)
	for _, rule := range categoryRules {
		if strings.Contains(lower, rule.substr) {
			return rule.bucket
		}
	}
	return "other"
}

func isWriteLike(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, w := range writeLikeTools {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func stringMeta(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// inputPath looks for a nested `input.path`/`input.file_path`, the shape
// tool_use chunks carry when metadata mirrors the adapter's raw tool
// call arguments.
func inputPath(m map[string]any) (string, bool) {
	if m == nil {
		return "", false
	}
	input, ok := m["input"].(map[string]any)
	if !ok {
		return "", false
	}
	if p, ok := input["path"].(string); ok && p != "" {
		return p, true
	}
	if p, ok := input["file_path"].(string); ok && p != "" {
		return p, true
	}
	return "", false
}
