//go:build windows

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

func setProcAttr(*exec.Cmd) {}

// terminate 使用 taskkill /T /F 结束整个进程树。
func terminate(proc *os.Process, _ <-chan struct{}) error {
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(proc.Pid), "/T", "/F").CombinedOutput()
	if err != nil {
		if kerr := proc.Kill(); kerr == nil {
			return nil
		}
		return fmt.Errorf("taskkill: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func exitSignal(*os.ProcessState) string { return "" }

func shellCommand(name string, args []string) *exec.Cmd {
	return exec.Command("cmd", append([]string{"/C", name}, args...)...)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".cmd", ".bat":
		return true
	}
	return false
}
