package shell

import (
	"fmt"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// gopsProcessTree implements ProcessTree with gopsutil, which abstracts the
// OS-specific enumeration mechanism (procfs, NT snapshot API, sysctl) behind
// one portable call, per DESIGN's decision to codify the process-tree walk
// as a single interface rather than scattered per-OS calls.
type gopsProcessTree struct{}

// NewProcessTree returns the default, gopsutil-backed process tree walker.
func NewProcessTree() ProcessTree { return gopsProcessTree{} }

func (gopsProcessTree) Children(pid int) ([]int, error) {
	root, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("lookup pid %d: %w", pid, err)
	}

	var out []int
	var walk func(p *gopsprocess.Process) error
	walk = func(p *gopsprocess.Process) error {
		children, err := p.Children()
		if err != nil {
			// gopsutil returns an error when a process has no children on
			// some platforms; treat as "none" rather than failing the walk.
			return nil
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
			out = append(out, int(c.Pid))
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}
