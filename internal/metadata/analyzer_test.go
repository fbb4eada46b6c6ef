package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/session"
)

func TestNewAnalyzer_SeedsBaselineTokens(t *testing.T) {
	a := NewAnalyzer(100_000)
	snap := a.Snapshot()
	assert.Equal(t, systemPromptBaseline, snap.EstimatedTokens)
	assert.InDelta(t, 2.0, snap.UtilizationPercent, 0.001)
}

func TestNewAnalyzer_NonPositiveModelLimitDefaults(t *testing.T) {
	a := NewAnalyzer(0)
	snap := a.Snapshot()
	assert.InDelta(t, 100*float64(systemPromptBaseline)/200_000, snap.UtilizationPercent, 0.001)
}

func TestAnalyzer_ObserveTextAndThinking(t *testing.T) {
	a := NewAnalyzer(200_000)
	a.Observe(session.OutputChunk{Kind: session.ChunkText, Content: "hello world"})
	a.Observe(session.OutputChunk{Kind: session.ChunkThinking, Content: "pondering"})
	a.Observe(session.OutputChunk{Kind: session.ChunkError})
	a.Observe(session.OutputChunk{Kind: session.ChunkSystem})

	snap := a.Snapshot()
	assert.Equal(t, 1, snap.TextChunks)
	assert.Equal(t, 1, snap.ThinkingChunks)
	assert.Equal(t, 1, snap.ErrorChunks)
	assert.Equal(t, 1, snap.SystemChunks)
	assert.Greater(t, snap.EstimatedTokens, systemPromptBaseline)
}

func TestAnalyzer_ObserveToolUse_HistogramAndCategories(t *testing.T) {
	a := NewAnalyzer(200_000)
	a.Observe(session.OutputChunk{
		Kind:     session.ChunkToolUse,
		Metadata: map[string]any{session.MetaToolName: "Read"},
	})
	a.Observe(session.OutputChunk{
		Kind:     session.ChunkToolUse,
		Metadata: map[string]any{session.MetaToolName: "Bash"},
	})
	a.Observe(session.OutputChunk{
		Kind:     session.ChunkToolUse,
		Metadata: map[string]any{session.MetaToolName: "Read"},
	})

	snap := a.Snapshot()
	assert.Equal(t, 3, snap.ToolCalls)
	assert.Equal(t, 2, snap.ToolHistogram["Read"])
	assert.Equal(t, 1, snap.ToolHistogram["Bash"])
	assert.Equal(t, 2, snap.CategoryRead)
	assert.Equal(t, 1, snap.CategoryExecute)
}

func TestAnalyzer_ObserveToolUse_RecordsEditedFilesFromMetaPath(t *testing.T) {
	a := NewAnalyzer(200_000)
	a.Observe(session.OutputChunk{
		Kind: session.ChunkToolUse,
		Metadata: map[string]any{
			session.MetaToolName: "Write",
			session.MetaPath:     "/tmp/foo.go",
		},
	})
	// Duplicate edit of the same file must not double-count.
	a.Observe(session.OutputChunk{
		Kind: session.ChunkToolUse,
		Metadata: map[string]any{
			session.MetaToolName: "Edit",
			session.MetaPath:     "/tmp/foo.go",
		},
	})

	snap := a.Snapshot()
	assert.Equal(t, 2, snap.CategoryWrite+0, "Write and Edit are each counted as a write-category call")
	require.Len(t, snap.EditedFiles, 1)
	assert.Equal(t, "/tmp/foo.go", snap.EditedFiles[0])
}

func TestAnalyzer_ObserveToolUse_RecordsEditedFilesFromNestedInput(t *testing.T) {
	a := NewAnalyzer(200_000)
	a.Observe(session.OutputChunk{
		Kind: session.ChunkToolUse,
		Metadata: map[string]any{
			session.MetaToolName: "str_replace_edit",
			"input": map[string]any{
				"file_path": "/tmp/bar.go",
			},
		},
	})
	snap := a.Snapshot()
	require.Len(t, snap.EditedFiles, 1)
	assert.Equal(t, "/tmp/bar.go", snap.EditedFiles[0])
}

func TestAnalyzer_ObserveComplete_ReplacesEstimateWithActual(t *testing.T) {
	a := NewAnalyzer(1000)
	a.Observe(session.OutputChunk{Kind: session.ChunkText, Content: "some text here"})

	a.ObserveComplete(session.TokenUsage{Input: 400, Output: 100})
	snap := a.Snapshot()
	require.NotNil(t, snap.ActualTokens)
	assert.Equal(t, 400, snap.ActualTokens.Input)
	assert.Equal(t, 100, snap.ActualTokens.Output)
	assert.InDelta(t, 50.0, snap.UtilizationPercent, 0.001, "utilization must be recomputed off actual, not estimated, tokens")
}

func TestRestore_RehydratesFromPersistedSnapshot(t *testing.T) {
	persisted := session.Metadata{
		TextChunks:   5,
		ToolCalls:    2,
		ToolHistogram: map[string]int{"Read": 2},
		EditedFiles:  []string{"/tmp/a.go"},
		EstimatedTokens: 3000,
	}
	a := Restore(persisted, 100_000)

	// A second edit of the already-recorded file must not duplicate.
	a.Observe(session.OutputChunk{
		Kind:     session.ChunkToolUse,
		Metadata: map[string]any{session.MetaToolName: "Write", session.MetaPath: "/tmp/a.go"},
	})
	snap := a.Snapshot()
	assert.Len(t, snap.EditedFiles, 1)
	assert.Equal(t, 3, snap.ToolCalls)

	// Mutating the restored snapshot's histogram/editedFiles must not
	// alias the original persisted struct's backing maps/slices.
	persisted.ToolHistogram["Read"] = 999
	assert.NotEqual(t, 999, a.Snapshot().ToolHistogram["Read"])
}

func TestSnapshot_DoesNotAliasInternalState(t *testing.T) {
	a := NewAnalyzer(100_000)
	a.Observe(session.OutputChunk{
		Kind:     session.ChunkToolUse,
		Metadata: map[string]any{session.MetaToolName: "Read"},
	})
	snap1 := a.Snapshot()
	snap1.ToolHistogram["Read"] = 555
	snap1.EditedFiles = append(snap1.EditedFiles, "mutated")

	snap2 := a.Snapshot()
	assert.NotEqual(t, 555, snap2.ToolHistogram["Read"])
	assert.NotContains(t, snap2.EditedFiles, "mutated")
}
