package mailagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// CommandRunner 执行一条宿主机命令并返回合并输出。
// 抽象出来便于在测试中替换真实的邮件系统管理命令。
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// AgentConfig 邮件代理（IPC 的响应侧）配置。
type AgentConfig struct {
	RequestsDir  string
	ResponsesDir string
	// SetupScript 邮件系统的管理脚本路径，如 /opt/mailserver/setup.sh
	SetupScript string
	// ScanInterval 周期性补扫间隔，兜底 fsnotify 可能漏掉的事件
	ScanInterval time.Duration
}

// Agent 监听请求目录，对每个请求执行邮箱管理命令并写回响应。
type Agent struct {
	cfg    AgentConfig
	runner CommandRunner
	log    *zap.Logger
}

// NewAgent 创建邮件代理。runner 为 nil 时不允许，由 cmd 层注入真实实现。
func NewAgent(cfg AgentConfig, runner CommandRunner, log *zap.Logger) (*Agent, error) {
	if runner == nil {
		return nil, fmt.Errorf("mailagent: command runner is required")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	for _, dir := range []string{cfg.RequestsDir, cfg.ResponsesDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("failed to create shared directory %s: %w", dir, err)
		}
	}
	return &Agent{cfg: cfg, runner: runner, log: log}, nil
}

// Run 阻塞运行直到 ctx 取消。
//
// fsnotify 负责低延迟响应，定时补扫负责可靠性；
// 两条路径都会经过同一套去重（处理完即删文件）。
func (a *Agent) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create directory watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(a.cfg.RequestsDir); err != nil {
		return fmt.Errorf("failed to watch requests directory: %w", err)
	}

	// 启动时先处理积压的请求
	a.scan(ctx)

	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()

	a.log.Info("mail agent started",
		zap.String("requests_dir", a.cfg.RequestsDir),
		zap.String("responses_dir", a.cfg.ResponsesDir),
	)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("mail agent stopping")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				a.handleFile(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("directory watcher error", zap.Error(err))
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

// scan 遍历请求目录处理遗留文件。
func (a *Agent) scan(ctx context.Context) {
	entries, err := os.ReadDir(a.cfg.RequestsDir)
	if err != nil {
		a.log.Warn("failed to scan requests directory", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		a.handleFile(ctx, filepath.Join(a.cfg.RequestsDir, entry.Name()))
	}
}

// handleFile 处理单个请求文件：解析、执行、写响应、删请求。
func (a *Agent) handleFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
		return
	}

	var req request
	if err := readFileLocked(path, &req); err != nil {
		a.log.Warn("failed to read request file", zap.String("path", path), zap.Error(err))
		return
	}

	resp := a.execute(ctx, &req)

	responsePath := filepath.Join(a.cfg.ResponsesDir, req.ID+".json")
	if err := writeFileLocked(responsePath, resp); err != nil {
		a.log.Error("failed to write response file",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return
	}

	for _, p := range []string{path, path + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			a.log.Warn("failed to remove request file", zap.String("path", p), zap.Error(err))
		}
	}
}

// execute 将请求翻译为邮件系统管理命令。
func (a *Agent) execute(ctx context.Context, req *request) *response {
	resp := &response{
		ID:        req.ID,
		Data:      map[string]string{},
		Timestamp: time.Now().Unix(),
	}

	address := req.Params["email_address"]
	if address == "" {
		resp.Data["error"] = "missing email_address parameter"
		return resp
	}

	switch req.Action {
	case actionCreate:
		password := req.Params["password"]
		if password == "" {
			resp.Data["error"] = "missing password parameter"
			return resp
		}
		output, err := a.runner(ctx, a.cfg.SetupScript, "email", "add", address, password)
		if err != nil {
			// 地址已存在视为成功，开通按地址幂等
			if strings.Contains(strings.ToLower(string(output)), "already exists") {
				a.log.Info("mailbox already exists", zap.String("email", address))
				resp.Success = true
				resp.Data["status"] = string(OutcomeAlreadyExists)
				return resp
			}
			a.log.Error("mailbox creation failed",
				zap.String("email", address),
				zap.ByteString("output", output),
				zap.Error(err),
			)
			resp.Data["error"] = fmt.Sprintf("create failed: %v", err)
			return resp
		}
		a.log.Info("mailbox created", zap.String("email", address))
		resp.Success = true
		resp.Data["status"] = string(OutcomeCreated)
		return resp

	case actionDelete:
		output, err := a.runner(ctx, a.cfg.SetupScript, "email", "del", "-y", address)
		if err != nil {
			a.log.Error("mailbox deletion failed",
				zap.String("email", address),
				zap.ByteString("output", output),
				zap.Error(err),
			)
			resp.Data["error"] = fmt.Sprintf("delete failed: %v", err)
			return resp
		}
		a.log.Info("mailbox deleted", zap.String("email", address))
		resp.Success = true
		return resp

	default:
		resp.Data["error"] = fmt.Sprintf("unknown action: %s", req.Action)
		return resp
	}
}
