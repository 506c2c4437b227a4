// cmd/migrate — 手动执行 PostgreSQL 迁移。
//
//	migrate                  # 内置迁移
//	migrate --dir ./extra    # 额外目录中的 .sql
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/multi-agent/agent-relay/internal/config"
	"github.com/multi-agent/agent-relay/internal/database"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML 配置文件 (默认读取 $RELAY_CONFIG)")
	dir := pflag.String("dir", "", "额外迁移目录, 在内置迁移之后执行")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.Log.Env, cfg.Log.Level)

	if cfg.Storage.PostgresConnStr == "" {
		logger.Fatal("POSTGRES_CONNECTION_STRING not set")
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("postgres connect failed", logger.FieldError, err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err)
	}
	if *dir != "" {
		if err := database.MigrateDir(ctx, pool, *dir); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err, logger.FieldPath, *dir)
		}
	}
	logger.Info("migration complete")
}
