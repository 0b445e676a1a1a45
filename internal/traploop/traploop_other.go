//go:build !(linux && amd64)

package traploop

import (
	"fmt"
	"log/slog"

	"github.com/tripwire/ftrace/internal/mcount"
	"github.com/tripwire/ftrace/internal/patcher"
	"github.com/tripwire/ftrace/internal/session"
)

// Loop is the fallback stub for every platform other than linux/amd64. The
// ptrace register layout (PtraceRegs field names, syscall numbers) differs
// per GOOS/GOARCH, and only the amd64/Linux breakpoint handler has been
// implemented; arm64 is tracked as an open question in DESIGN.md.
type Loop struct{}

// New returns a stub Loop on unsupported platforms; its Run always returns
// an error.
func New(pid int, sites *patcher.Table, engine *mcount.Engine, controller *session.Controller, loadBase, trampoline uint64, logger *slog.Logger) *Loop {
	return &Loop{}
}

// Run reports that this platform has no trap dispatch backend.
func (l *Loop) Run() error {
	return fmt.Errorf("traploop: breakpoint dispatch is only implemented for linux/amd64")
}

// InstallTrampoline reports that this platform has no trap dispatch backend.
func InstallTrampoline(pid int, entryPoint uint64) (uint64, error) {
	return 0, fmt.Errorf("traploop: breakpoint dispatch is only implemented for linux/amd64")
}

// SetSDTSites is a no-op stub matching the linux/amd64 backend's signature.
func (l *Loop) SetSDTSites(sites map[uint64]uint8) {}
