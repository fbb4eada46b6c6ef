package sdkchat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/agentz/agentz/internal/security"
)

// Tool schema exposed to the model (spec §4.3.b).
var toolSchema = []ToolSpec{
	{
		Name:        "read_file",
		Description: "Read a file's contents relative to the working directory.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	},
	{
		Name:        "write_file",
		Description: "Write content to a file relative to the working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	},
	{
		Name:        "exec_command",
		Description: "Execute a shell command in the working directory.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []string{"command"},
		},
	},
}

// maxReadBytes is the per-tool file-read cap (spec §5).
const maxReadBytes = 50 * 1024

// execTimeout is the per-tool command timeout (spec §5).
const execTimeout = 30 * time.Second

// ToolResult is what executeTool returns; Success mirrors the chunk's
// success metadata (spec §7: ResourceExhausted/SecurityViolation surface
// as a failed tool_result, not a fatal error).
type ToolResult struct {
	Success bool
	Output  string
}

// executeTool runs one model-issued tool call against workDir, enforcing
// the path-traversal and command-denylist gates (spec §4.8).
func executeTool(ctx context.Context, workDir string, call ToolCall) ToolResult {
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return ToolResult{Success: false, Output: fmt.Sprintf("invalid tool arguments: %v", err)}
		}
	}

	switch call.Name {
	case "read_file":
		return readFile(workDir, stringArg(args, "path"))
	case "write_file":
		return writeFile(workDir, stringArg(args, "path"), stringArg(args, "content"))
	case "exec_command":
		return execCommand(ctx, workDir, stringArg(args, "command"))
	default:
		return ToolResult{Success: false, Output: "unknown tool: " + call.Name}
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func readFile(workDir, path string) ToolResult {
	resolved, err := security.ResolvePath(workDir, path)
	if err != nil {
		return ToolResult{Success: false, Output: err.Error()}
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ToolResult{Success: false, Output: err.Error()}
	}
	if len(data) > maxReadBytes {
		return ToolResult{Success: false, Output: fmt.Sprintf("file exceeds %d byte read cap", maxReadBytes)}
	}
	return ToolResult{Success: true, Output: string(data)}
}

func writeFile(workDir, path, content string) ToolResult {
	resolved, err := security.ResolvePath(workDir, path)
	if err != nil {
		return ToolResult{Success: false, Output: err.Error()}
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ToolResult{Success: false, Output: err.Error()}
	}
	return ToolResult{Success: true, Output: "ok"}
}

func execCommand(ctx context.Context, workDir, command string) ToolResult {
	if err := security.CheckCommand(command); err != nil {
		return ToolResult{Success: false, Output: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ToolResult{Success: false, Output: string(out) + "\n" + err.Error()}
	}
	return ToolResult{Success: true, Output: string(out)}
}
