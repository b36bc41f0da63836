package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/storage"
)

// Checker 健康检查器
type Checker struct {
	handler healthcheck.Handler
	store   storage.Store
	log     *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(store storage.Store, log *zap.Logger) *Checker {
	c := &Checker{
		handler: healthcheck.NewHandler(),
		store:   store,
		log:     log,
	}

	// 存活检查只看进程自身，就绪检查要求存储可用
	c.handler.AddReadinessCheck("storage", func() error {
		return c.store.Health()
	})

	return c
}

// Live 存活探针处理器
func (c *Checker) Live() http.HandlerFunc {
	return c.handler.LiveEndpoint
}

// Ready 就绪探针处理器
func (c *Checker) Ready() http.HandlerFunc {
	return c.handler.ReadyEndpoint
}
