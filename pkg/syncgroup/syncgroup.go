// Package syncgroup 管理后台 goroutine 的启动与回收
package syncgroup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncGroup 是 sync.WaitGroup 的包装器，自动管理 Add() 和 Done()
// 每个 goroutine 带名字，便于在关闭超时时定位未退出的任务
type SyncGroup struct {
	wg  sync.WaitGroup
	log *logrus.Entry

	mu      sync.Mutex
	running map[string]int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup(log *logrus.Entry) *SyncGroup {
	if log == nil {
		log = logrus.WithField("component", "syncgroup")
	}
	return &SyncGroup{log: log, running: make(map[string]int)}
}

// Go 启动一个 goroutine；panic 会被记录，不会拖垮进程
func (g *SyncGroup) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				g.log.Errorf("goroutine %s panic: %v", name, p)
			}
			g.mu.Lock()
			if g.running[name]--; g.running[name] <= 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// GoCtx 启动一个以 ctx 控制生命周期的 goroutine
func (g *SyncGroup) GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.Go(name, func() { fn(ctx) })
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// WaitTimeout 等待所有 goroutine 完成，超时返回 false 并记录仍在运行的任务
func (g *SyncGroup) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		g.log.Warnf("等待 goroutine 退出超时 (%v)，仍在运行: %v", timeout, g.Running())
		return false
	}
}

// Running 仍在运行的任务名
func (g *SyncGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for name := range g.running {
		out = append(out, name)
	}
	return out
}
