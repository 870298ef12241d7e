// mail-agent 运行在邮件服务器宿主机上，监听共享目录中的开通请求，
// 翻译为邮件系统管理命令并写回响应。
package main

import (
	"context"
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lnemail/backend/internal/config"
	"lnemail/backend/internal/logger"
	"lnemail/backend/internal/mailagent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		FilePath:    cfg.Log.FilePath,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		return exec.CommandContext(runCtx, name, args...).CombinedOutput()
	}

	agent, err := mailagent.NewAgent(mailagent.AgentConfig{
		RequestsDir:  cfg.Mail.RequestsDir,
		ResponsesDir: cfg.Mail.ResponsesDir,
		SetupScript:  cfg.Mail.SetupScript,
	}, runner, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize mail agent: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Fatal("mail agent exited with error", zap.Error(err))
	}
}
