//go:build !unix && !windows

package runner

import (
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

func terminate(proc *os.Process, _ <-chan struct{}) error { return proc.Kill() }

func exitSignal(*os.ProcessState) string { return "" }

func shellCommand(name string, args []string) *exec.Cmd { return exec.Command(name, args...) }

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
