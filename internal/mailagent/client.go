// Package mailagent 实现与外部邮件系统之间基于文件的请求/响应协议。
//
// 双方以目录中文件的出现/消失加建议性文件锁作为同步原语；
// 写入一律先落临时文件再原子重命名，避免对端读到半截内容。
package mailagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	actionCreate = "create"
	actionDelete = "delete"

	// 邮箱开通的 IPC 等待上限，与支付轮询的截止时间无关且远小于它
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

var (
	// ErrAgentTimeout 等待响应超时。开通按地址幂等，超时后重试是安全的。
	ErrAgentTimeout = errors.New("timed out waiting for mail agent response")
	// ErrProvisionFailed 邮件代理报告操作失败
	ErrProvisionFailed = errors.New("mail agent reported failure")
)

// Outcome 表示一次开通请求的结果。
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "exists"
)

// request 是落盘的请求格式，与响应通过共享的 ID 关联。
type request struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params"`
	Timestamp int64             `json:"timestamp"`
}

// response 是代理写回的响应格式。
type response struct {
	ID        string            `json:"id"`
	Success   bool              `json:"success"`
	Data      map[string]string `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

// Client 邮箱开通客户端（IPC 的请求侧）。
type Client struct {
	requestsDir  string
	responsesDir string
	timeout      time.Duration
	pollInterval time.Duration
	log          *zap.Logger
}

// NewClient 创建开通客户端并确保共享目录存在。
func NewClient(requestsDir, responsesDir string, timeout time.Duration, log *zap.Logger) (*Client, error) {
	for _, dir := range []string{requestsDir, responsesDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("failed to create shared directory %s: %w", dir, err)
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		requestsDir:  requestsDir,
		responsesDir: responsesDir,
		timeout:      timeout,
		pollInterval: defaultPollInterval,
		log:          log,
	}, nil
}

// CreateAccount 请求为指定地址开通邮箱。
//
// 按地址幂等：地址已存在时返回 OutcomeAlreadyExists 而非错误，
// 由调用方决定是否沿用已有凭证。
func (c *Client) CreateAccount(ctx context.Context, emailAddress, password string) (Outcome, error) {
	resp, err := c.roundTrip(ctx, actionCreate, map[string]string{
		"email_address": emailAddress,
		"password":      password,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrProvisionFailed, resp.Data["error"])
	}
	if resp.Data["status"] == string(OutcomeAlreadyExists) {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeCreated, nil
}

// DeleteAccount 请求删除指定地址的邮箱。
func (c *Client) DeleteAccount(ctx context.Context, emailAddress string) error {
	resp, err := c.roundTrip(ctx, actionDelete, map[string]string{
		"email_address": emailAddress,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrProvisionFailed, resp.Data["error"])
	}
	return nil
}

// roundTrip 写请求文件并在限时内等待对应的响应文件。
func (c *Client) roundTrip(ctx context.Context, action string, params map[string]string) (*response, error) {
	id := uuid.NewString()
	req := request{
		ID:        id,
		Action:    action,
		Params:    params,
		Timestamp: time.Now().Unix(),
	}

	requestPath := filepath.Join(c.requestsDir, id+".json")
	if err := writeFileLocked(requestPath, &req); err != nil {
		return nil, fmt.Errorf("failed to write agent request: %w", err)
	}
	defer c.cleanup(requestPath)

	responsePath := filepath.Join(c.responsesDir, id+".json")
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(responsePath); err == nil {
			var resp response
			if err := readFileLocked(responsePath, &resp); err != nil {
				c.log.Warn("failed to read agent response, retrying",
					zap.String("request_id", id),
					zap.Error(err),
				)
			} else {
				c.cleanup(responsePath)
				return &resp, nil
			}
		}

		if time.Now().After(deadline) {
			c.log.Error("mail agent response timed out", zap.String("request_id", id))
			return nil, ErrAgentTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cleanup 删除数据文件及其锁文件。
func (c *Client) cleanup(path string) {
	for _, p := range []string{path, path + ".lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.log.Warn("failed to clean up agent file", zap.String("path", p), zap.Error(err))
		}
	}
}

// writeFileLocked 在建议性锁保护下写入：先写临时文件，再原子重命名到位。
func writeFileLocked(path string, v interface{}) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// readFileLocked 在建议性锁保护下读取并解析 JSON 文件。
func readFileLocked(path string, v interface{}) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
