package runner

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// agentName 以裸名调用时使用的命令名。
const agentName = "claude"

// defaultCandidates 常见安装位置, 按顺序检查。
func defaultCandidates(home string) []string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		return []string{
			filepath.Join(home, ".local", "bin", "claude.exe"),
			filepath.Join(appData, "npm", "claude.cmd"),
			filepath.Join(home, ".claude", "local", "claude.cmd"),
		}
	}
	return []string{
		filepath.Join(home, ".local", "bin", agentName),
		filepath.Join(home, ".claude", "local", agentName),
		"/usr/local/bin/" + agentName,
		"/opt/homebrew/bin/" + agentName,
	}
}

// resolveExecutable 依次检查 配置路径 → 额外路径 → 默认安装位置。
// 都不存在时返回 ("claude", true), 由调用方经 shell 以裸名调用。
func resolveExecutable(binary string, extra []string, home string) (path string, viaShell bool) {
	candidates := make([]string, 0, len(extra)+6)
	if binary != "" {
		candidates = append(candidates, binary)
	}
	candidates = append(candidates, extra...)
	candidates = append(candidates, defaultCandidates(home)...)

	for _, c := range candidates {
		if c != "" && isExecutable(c) {
			return c, false
		}
	}
	return agentName, true
}

// buildArgs 构造 agent 参数。token 为空时不带 --resume。
func buildArgs(prompt string, maxTurns int, token string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
		"--dangerously-skip-permissions",
	}
	if token != "" {
		args = append(args, "--resume", token)
	}
	return args
}

// augmentEnv 把用户本地 bin 目录加入 PATH (已存在则不重复)。
func augmentEnv(env []string, home string) []string {
	if home == "" {
		return env
	}
	localBin := filepath.Join(home, ".local", "bin")
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		key, val, ok := strings.Cut(kv, "=")
		if ok && strings.EqualFold(key, "PATH") {
			found = true
			if !containsPath(val, localBin) {
				kv = key + "=" + localBin + string(os.PathListSeparator) + val
			}
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+localBin)
	}
	return out
}

func containsPath(list, dir string) bool {
	for _, p := range filepath.SplitList(list) {
		if filepath.Clean(p) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// stripCommandPrefix 去掉开头的命令前缀 (如 "/claude"), 前缀后须是空白或结尾。
func stripCommandPrefix(prompt, prefix string) string {
	p := strings.TrimSpace(prompt)
	if prefix == "" || !strings.HasPrefix(p, prefix) {
		return p
	}
	rest := p[len(prefix):]
	if rest == "" {
		return ""
	}
	if rest[0] != ' ' && rest[0] != '\n' && rest[0] != '\t' && rest[0] != '\r' {
		return p
	}
	return strings.TrimSpace(rest)
}

// validateWorkDir cwd 必须存在且为目录。
func validateWorkDir(cwd string) (string, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", os.ErrInvalid
	}
	return abs, nil
}
