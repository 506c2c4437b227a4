// cmd/relay-server — agent 中继服务入口。
//
// 启动:
//
//	relay-server --config relay.yaml --listen 127.0.0.1:8787
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/agent-relay/internal/apiserver"
	"github.com/multi-agent/agent-relay/internal/config"
	"github.com/multi-agent/agent-relay/internal/database"
	"github.com/multi-agent/agent-relay/internal/orchestrator"
	"github.com/multi-agent/agent-relay/internal/reasoning"
	"github.com/multi-agent/agent-relay/internal/runner"
	"github.com/multi-agent/agent-relay/internal/store"
	"github.com/multi-agent/agent-relay/internal/telegram"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML 配置文件 (默认读取 $RELAY_CONFIG)")
	listen := pflag.String("listen", "", "HTTP 监听地址, 覆盖配置")
	logLevel := pflag.String("log-level", "", "日志级别 debug|info|warn|error")
	workDir := pflag.String("workdir", "", "agent 默认工作目录")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-server: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *workDir != "" {
		cfg.Agent.WorkDir = *workDir
	}

	logger.Init(cfg.Log.Env, cfg.Log.Level)
	if cfg.Log.Dir != "" {
		if err := logger.InitWithFile(cfg.Log.Dir); err != nil {
			logger.Warn("log file disabled", logger.FieldError, err)
		}
		defer logger.ShutdownFileHandler()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Error("relay-server failed", logger.FieldError, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		tokens   runner.TokenStore = store.NewFileTokenStore(cfg.Storage.StateFile)
		recorder runner.Recorder
		runs     apiserver.RunLister
	)

	// PostgreSQL (可选): token、运行历史、日志
	if cfg.Storage.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg.Storage)
		if err != nil {
			return apperrors.Wrap(err, "relay.run", "postgres connect")
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return apperrors.Wrap(err, "relay.run", "migrate")
		}
		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()

		runStore := store.NewRunStore(pool)
		tokens = store.NewPGTokenStore(pool)
		recorder, runs = runStore, runStore
	}

	hub := apiserver.NewHub()
	bridge := telegram.NewBridge(cfg.Telegram, cfg.Agent.CommandPrefix, nil)
	sup := runner.NewSupervisor(context.WithoutCancel(ctx), runner.Config{
		Binary:         cfg.Agent.Binary,
		ExtraPaths:     cfg.ExtraAgentPaths(),
		MaxTurns:       cfg.Agent.MaxTurns,
		CommandPrefix:  cfg.Agent.CommandPrefix,
		MaxOutputBytes: cfg.Agent.MaxOutputMB << 20,
		DefaultCwd:     cfg.Agent.WorkDir,
	}, runner.Deps{
		Tokens:   tokens,
		Observer: hub,
		Reporter: bridge,
		Recorder: recorder,
	})

	r := &relay{ctx: ctx, agent: sup, chat: bridge, now: time.Now}
	var loop *orchestrator.Loop
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		loop = orchestrator.NewLoop(sup, reasoning.NewClient(cfg.LLM), bridge, cfg.Orchestrator)
		r.loop = loop
	} else {
		logger.Info("relay: no reasoning backend configured, chat messages ignored")
	}
	bridge.SetHandlers(r.handlers())

	if cfg.Telegram.AutoConnect && cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		if err := bridge.Connect(ctx, "", 0); err != nil {
			logger.Warn("relay: telegram auto-connect failed", logger.FieldError, err)
		}
	}

	deps := apiserver.Deps{Agent: sup, Bridge: bridge, Runs: runs, Hub: hub}
	if loop != nil {
		deps.OnSessionReset = loop.Reset
	}
	srv := apiserver.NewServer(ctx, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(sup, bridge)
		return nil
	})
	return g.Wait()
}

// shutdown 中止活动调用, 停止轮询并删除实时进度消息。
func shutdown(sup *runner.Supervisor, bridge *telegram.Bridge) {
	logger.Info("relay: shutting down")
	if pid, err := sup.Abort(); err == nil {
		logger.Info("relay: aborted active invocation", logger.FieldPID, pid)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bridge.Stop(ctx)
}
