//go:build !windows

package shell

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the child in its own process group so signals can
// later be delivered to the whole subtree without hitting the parent agent
// process.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// sendInterrupt delivers SIGINT to every descendant first, then to the
// child's process group, matching the invariant that the shell itself must
// survive an interrupt of a hung foreground process.
func sendInterrupt(tree ProcessTree, pid int) error {
	return signalDescendantsThenGroup(tree, pid, syscall.SIGINT)
}

// sendSuspend delivers SIGTSTP to the process group.
func sendSuspend(_ ProcessTree, pid int) error {
	return syscall.Kill(-pid, syscall.SIGTSTP)
}

// terminateGracefully sends SIGTERM, the caller escalates to SIGKILL after
// a grace period if the process is still alive.
func terminateGracefully(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killForcefully(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func signalDescendantsThenGroup(tree ProcessTree, pid int, sig syscall.Signal) error {
	children, err := tree.Children(pid)
	if err == nil {
		for _, c := range children {
			syscall.Kill(c, sig)
		}
	}
	return syscall.Kill(-pid, sig)
}
