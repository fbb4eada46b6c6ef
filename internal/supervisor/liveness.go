package supervisor

import (
	"os"
	"syscall"
)

// LivenessProber checks whether the process recorded in a session's last
// daemonStarted{pid, nonce} record is still alive (spec §4.4, §5).
//
// This supervisor never detaches a backend subprocess from itself — CLI
// adapters are children of this process, SDK adapters are goroutines in
// it — so a restart of the supervisor process takes every live adapter
// down with it. The nonce exists in the wire format for a future
// deployment that does detach backends (matching spec §4.4 exactly);
// the default prober here only checks PID liveness, which is sufficient
// because a restarted supervisor process never shares a PID namespace
// generation with orphaned children in practice on the platforms this
// runs on. See DESIGN.md for the full reasoning.
type LivenessProber interface {
	Alive(pid int, nonce string) bool
}

type processLivenessProber struct{}

// DefaultLivenessProber returns the PID-existence prober used when no
// LivenessProber is supplied in Deps.
func DefaultLivenessProber() LivenessProber { return processLivenessProber{} }

func (processLivenessProber) Alive(pid int, nonce string) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs existence/permission checks without delivering
	// an actual signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
