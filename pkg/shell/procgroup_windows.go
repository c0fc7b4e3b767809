//go:build windows

package shell

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// isolateProcessGroup creates a new process group for the child so
// CTRL_C_EVENT/CTRL_BREAK_EVENT can be targeted at it independently of the
// agent's own console group.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// sendInterrupt on Windows must terminate descendants outright first: many
// console tools (ping.exe and friends) do not honor Ctrl-C propagated
// through an intermediate shell. After that, CTRL_C_EVENT is attempted, and
// CTRL_BREAK_EVENT if CTRL_C_EVENT cannot be generated; writing ^C into stdin is
// the final fallback and is handled by the caller.
func sendInterrupt(tree ProcessTree, pid int) error {
	children, err := tree.Children(pid)
	if err == nil {
		for _, c := range children {
			if p, ferr := os.FindProcess(c); ferr == nil {
				p.Kill()
			}
		}
	}
	if err := generateConsoleCtrlEvent(syscall.CTRL_C_EVENT, pid); err != nil {
		return generateConsoleCtrlEvent(syscall.CTRL_BREAK_EVENT, pid)
	}
	return nil
}

// sendSuspend: true process suspension is unavailable on Windows; the
// caller falls back to writing ^Z into the child's stdin.
func sendSuspend(_ ProcessTree, _ int) error {
	return fmt.Errorf("shell: suspend is not supported on windows, use stdin fallback")
}

func terminateGracefully(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killForcefully(pid int) error {
	return terminateGracefully(pid)
}

func generateConsoleCtrlEvent(event uint32, pid int) error {
	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return err
	}
	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}
	r1, _, err := proc.Call(uintptr(event), uintptr(pid))
	if r1 == 0 {
		return err
	}
	return nil
}
