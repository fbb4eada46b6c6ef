// Package cli implements the CLI subprocess adapter (spec §4.3.a): it
// spawns a product binary, streams its stdout line by line, and maps
// each line to the uniform adapter event set through a per-product
// dispatcher (see dispatch_*.go).
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/apperr"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/session"
)

// startupWatchdog is the fixed no-output timeout (spec §5).
const startupWatchdog = 30 * time.Second

// maxArgvPromptBytes is the cutover point between passing the prompt in
// argv and writing it to stdin (spec §4.3.a).
const maxArgvPromptBytes = 100 * 1024

// Product identifies which of the three CLI backends to dispatch lines
// through.
type Product string

const (
	ProductClaude   Product = "claude"
	ProductCodex    Product = "codex"
	ProductOpencode Product = "opencode"
)

// dispatcher maps one raw stdout line (already known non-empty) for a
// given product into zero or more adapter events. It returns ok=false
// when the line did not parse as that product's JSON shape, so the
// caller can fall through to the free-text heuristic.
type dispatcher func(line []byte, st *dispatchState) (events []adapter.Event, ok bool)

// dispatchState carries parse-time state a dispatcher needs across
// lines of the same run (e.g. the backend session id, once learned).
type dispatchState struct {
	backendSessionID string
}

// Config configures one Adapter instance.
type Config struct {
	Product        Product
	Bin            string // resolved absolute path, or the bare command name to discover
	WorkingDir     string
	Model          string
	ResumeID       string // backend session id to resume, if any
	CodexHome      string // only for ProductCodex
}

// Adapter is the CLI subprocess adapter.
type Adapter struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	aborted bool
}

// New constructs a CLI Adapter. It does not spawn the process — that
// happens in Run.
func New(cfg Config, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapter{cfg: cfg, logger: logger.WithFields(zap.String("component", "cli-adapter"), zap.String("product", string(cfg.Product)))}
}

var _ adapter.Adapter = (*Adapter)(nil)

// SetResumeID updates the backend session id used to resume a prior
// conversation on the next Run call (spec §4.1 sendMessage: CLI adapters
// that support resume carry a backend-native session id learned from a
// prior run's session_id event).
func (a *Adapter) SetResumeID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.ResumeID = id
}

func (a *Adapter) argv(prompt string) (args []string, stdinPrompt string) {
	switch a.cfg.Product {
	case ProductClaude:
		args = []string{"-p", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
		if a.cfg.ResumeID != "" {
			args = append(args, "--resume", a.cfg.ResumeID)
		}
		return args, prompt // always stdin for this product per §6
	case ProductCodex:
		if a.cfg.ResumeID != "" {
			args = []string{"resume", a.cfg.ResumeID, "--json"}
		} else {
			args = []string{"exec", "--json"}
		}
		if len(prompt) <= maxArgvPromptBytes {
			return append(args, prompt), ""
		}
		return args, prompt
	case ProductOpencode:
		args = []string{"run", "--format", "json"}
		if a.cfg.Model != "" {
			args = append(args, "--model", a.cfg.Model)
		}
		if a.cfg.ResumeID != "" {
			args = append(args, "--session", a.cfg.ResumeID)
		}
		if len(prompt) <= maxArgvPromptBytes {
			return append(args, prompt), ""
		}
		return args, prompt
	default:
		return nil, prompt
	}
}

func (a *Adapter) dispatcherFor() dispatcher {
	switch a.cfg.Product {
	case ProductClaude:
		return dispatchClaude
	case ProductCodex:
		return dispatchCodex
	case ProductOpencode:
		return dispatchOpencode
	default:
		return func([]byte, *dispatchState) ([]adapter.Event, bool) { return nil, false }
	}
}

// Run spawns the product binary and streams its output until it exits
// or ctx is cancelled (spec §4.3.a).
func (a *Adapter) Run(ctx context.Context, prompt string, sink adapter.Sink) adapter.RunResult {
	bin, err := Discover(a.cfg.Bin)
	if err != nil {
		return adapter.RunResult{Err: err}
	}

	args, stdinPrompt := a.argv(prompt)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = a.cfg.WorkingDir
	if a.cfg.Product == ProductCodex && a.cfg.CodexHome != "" {
		cmd.Env = append(cmd.Environ(), "CODEX_HOME="+a.cfg.CodexHome)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return adapter.RunResult{Err: apperr.Wrap(apperr.KindBackendLaunch, "create stdin pipe", err)}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return adapter.RunResult{Err: apperr.Wrap(apperr.KindBackendLaunch, "create stdout pipe", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return adapter.RunResult{Err: apperr.Wrap(apperr.KindBackendLaunch, "create stderr pipe", err)}
	}

	if err := cmd.Start(); err != nil {
		return adapter.RunResult{Err: apperr.Wrap(apperr.KindBackendLaunch, "spawn "+string(a.cfg.Product), err)}
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()

	if stdinPrompt != "" {
		go func() {
			_, _ = stdinPipe.Write([]byte(stdinPrompt))
			stdinPipe.Close()
		}()
	} else {
		stdinPipe.Close()
	}

	lines := make(chan []byte, 64)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() { defer scanners.Done(); scanInto(stdoutPipe, lines) }()
	go func() { defer scanners.Done(); scanInto(stderrPipe, lines) }()
	go func() {
		scanners.Wait()
		close(lines)
	}()

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	watchdog := time.NewTimer(startupWatchdog)
	defer watchdog.Stop()

	st := &dispatchState{backendSessionID: a.cfg.ResumeID}
	dispatch := a.dispatcherFor()

	var usage session.TokenUsage
	var runErr error
	sawOutput := false
	cmdDone := false
	exitCode := 0

	for !(cmdDone && lines == nil) {
		select {
		case <-ctx.Done():
			a.Abort()
			return adapter.RunResult{Err: ctx.Err()}

		case <-watchdog.C:
			if !sawOutput {
				a.Abort()
				return adapter.RunResult{Err: apperr.New(apperr.KindBackendLaunch, "no output within startup watchdog window")}
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			sawOutput = true
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}

			events, matched := dispatch(line, st)
			if !matched {
				waitingApproval, waitingInput := classifyFreeText(string(line))
				if waitingApproval {
					sink.Emit(adapter.Event{Kind: adapter.EventWaitingApproval})
				} else if waitingInput {
					sink.Emit(adapter.Event{Kind: adapter.EventWaitingInput})
				}
				continue
			}
			for _, ev := range events {
				if ev.Kind == adapter.EventComplete {
					usage = ev.Usage
				}
				if ev.Kind == adapter.EventError {
					runErr = apperr.New(apperr.KindBackendRuntime, ev.ErrorMessage)
				}
				sink.Emit(ev)
			}

		case <-done:
			// The process has exited, but lines may still hold buffered
			// output from the scanners — keep looping (the lines case
			// above keeps draining it) until it's closed too, so a fast
			// exit never races ahead of its own output.
			cmdDone = true
			exitCode = cmd.ProcessState.ExitCode()
			done = nil
		}
	}

	if runErr == nil && exitCode != 0 {
		runErr = apperr.New(apperr.KindBackendRuntime, fmt.Sprintf("%s exited with code %d", a.cfg.Product, exitCode))
	}
	return adapter.RunResult{Usage: usage, Err: runErr}
}

// Abort kills the child with SIGTERM, then two seconds later runs
// `pkill -P` on its direct children (spec §4.3.a).
func (a *Adapter) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted || a.cmd == nil || a.cmd.Process == nil {
		return
	}
	a.aborted = true
	_ = a.cmd.Process.Signal(syscall.SIGTERM)
	go func(pid int) {
		time.Sleep(2 * time.Second)
		_ = exec.Command("pkill", "-P", fmt.Sprint(pid)).Run()
	}(a.cmd.Process.Pid)
}

func scanInto(r interface{ Read([]byte) (int, error) }, out chan<- []byte) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out <- cp
	}
}
