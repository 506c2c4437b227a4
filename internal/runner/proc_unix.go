//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/multi-agent/agent-relay/pkg/logger"
)

// killGrace SIGTERM 之后补发 SIGKILL 的等待时间。
const killGrace = 5 * time.Second

// setProcAttr 创建独立进程组, 终止时可连同 agent 派生的子进程一起结束。
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate 向整个进程组发送 SIGTERM, killGrace 后仍未退出则 SIGKILL。
// exited 在进程退出后关闭, 用于取消补发。
func terminate(proc *os.Process, exited <-chan struct{}) error {
	pid := proc.Pid
	err := unix.Kill(-pid, unix.SIGTERM)
	if err != nil {
		// 回退: 进程组不存在时直接发给进程本身
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	go func() {
		select {
		case <-exited:
		case <-time.After(killGrace):
			if kerr := unix.Kill(-pid, unix.SIGKILL); kerr != nil && !errors.Is(kerr, unix.ESRCH) {
				logger.Debug("runner: kill process group failed", logger.FieldPID, pid, logger.FieldError, kerr)
			}
		}
	}()
	return nil
}

// exitSignal 被信号终止时返回信号名。
func exitSignal(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}
	return ""
}

// shellCommand 找不到可执行文件时经 shell 以裸名调用。
func shellCommand(name string, args []string) *exec.Cmd {
	full := append([]string{"-c", `exec ` + name + ` "$@"`, name}, args...)
	return exec.Command("/bin/sh", full...)
}

// isExecutable 普通文件且带任一执行位。
func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
