// Package health 提供存活与就绪探针。
package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"lnemail/backend/internal/storage"
)

// Checker 健康检查器
type Checker struct {
	handler healthcheck.Handler
	store   storage.Store
	logger  *zap.Logger
}

// NewChecker 创建健康检查器并注册存储探针。
func NewChecker(store storage.Store, logger *zap.Logger) *Checker {
	c := &Checker{
		handler: healthcheck.NewHandler(),
		store:   store,
		logger:  logger,
	}

	// 台账可达性：挂了就绪探针，进程本身仍然存活
	c.handler.AddReadinessCheck("storage", func() error {
		return c.store.Health()
	})
	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(512))

	return c
}

// LiveEndpoint 存活探针处理器。
func (c *Checker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针处理器。
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.ReadyEndpoint(w, r)
}
