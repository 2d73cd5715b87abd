package procscan

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// HostNames resolves names from the local process table.
type HostNames struct{}

// ResolveName returns the executable name of pid, or its command line when
// the name is empty.
func (HostNames) ResolveName(ctx context.Context, pid int) (string, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return "", fmt.Errorf("pid %d out of range", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	if name, err := proc.NameWithContext(ctx); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name), nil
	}
	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read cmdline of pid %d: %w", pid, err)
	}
	return strings.Join(strings.Fields(cmdline), " "), nil
}
