// Package shutdown 进程退出时按注册顺序的逆序执行关闭回调
package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
	log       *logrus.Entry
}

// NewManager 创建新的关闭管理器
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.WithField("component", "shutdown")
	}
	return &Manager{log: log}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 逆序执行所有关闭回调（阻塞调用，只执行一次）
// 先注册的组件通常被后注册的组件依赖，所以后注册的先关闭
// ctx 超时后剩余回调不再执行；返回失败的回调数
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return 0
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		m.log.Info("没有注册的关闭回调")
		return 0
	}
	m.log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	failed := 0
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := ctx.Err(); err != nil {
			m.log.Warnf("关闭超时，跳过剩余 %d 个回调: %v", i+1, err)
			return failed + i + 1
		}
		if err := cb.fn(ctx); err != nil {
			failed++
			m.log.Warnf("关闭 %s 失败: %v", cb.name, err)
			continue
		}
		m.log.Debugf("已关闭 %s", cb.name)
	}
	m.log.Info("所有关闭回调已完成")
	return failed
}
