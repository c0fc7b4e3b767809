package shell

import (
	"os/exec"
	"runtime"
)

// candidateShells is the per-OS probe list; order determines preference when
// a caller asks for "default" rather than a specific name.
var candidateShells = map[string][]string{
	"windows": {"powershell", "pwsh", "cmd"},
	"darwin":  {"zsh", "bash", "sh"},
	"linux":   {"bash", "zsh", "sh"},
}

// DetectShells probes the host for the shells this OS is known to carry and
// returns the ones actually present, in probe order.
func DetectShells() []detectedShell {
	candidates, ok := candidateShells[runtime.GOOS]
	if !ok {
		candidates = []string{"sh", "bash"}
	}

	var found []detectedShell
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			found = append(found, detectedShell{name: name, path: path})
		}
	}
	return found
}

// resolveShellPath looks up the executable path for a requested shell name
// on PATH. An empty name or "default" takes the first shell DetectShells
// finds.
func resolveShellPath(name string) (string, error) {
	if name == "" || name == "default" {
		if found := DetectShells(); len(found) > 0 {
			return found[0].path, nil
		}
		return "", ErrShellNotDetected
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", ErrShellNotDetected
}

// startupArgs returns the per-shell switches that keep the prompt minimal
// and echo quiet so the streamed transcript stays clean.
func startupArgs(name string) []string {
	switch name {
	case "cmd":
		return []string{"/Q"}
	case "powershell", "pwsh":
		return []string{"-NoLogo", "-NoProfile", "-Command", "-"}
	default:
		return nil
	}
}

// startupCommands returns shell builtin commands to issue right after spawn
// to quiet the prompt/progress output, distinct from command-line switches.
func startupCommands(name string) []string {
	switch name {
	case "bash", "sh", "zsh":
		return []string{"PS1='$ '"}
	case "powershell", "pwsh":
		return []string{
			"$ProgressPreference='SilentlyContinue'",
			"$ErrorActionPreference='Stop'",
		}
	default:
		return nil
	}
}
