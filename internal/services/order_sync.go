package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// OrderSyncer 定期对账：有未结束订单时按较短间隔同步，否则按较长间隔
type OrderSyncer struct {
	registry      *OrderRegistry
	withOrders    time.Duration
	withoutOrders time.Duration
	tick          time.Duration
	log           *logrus.Entry
}

// NewOrderSyncer 创建对账器（间隔 <= 0 时分别使用 3s / 30s）
func NewOrderSyncer(registry *OrderRegistry, withOrders, withoutOrders time.Duration, log *logrus.Entry) *OrderSyncer {
	if log == nil {
		log = logrus.WithField("component", "order_sync")
	}
	if withOrders <= 0 {
		withOrders = 3 * time.Second
	}
	if withoutOrders <= 0 {
		withoutOrders = 30 * time.Second
	}
	tick := time.Second
	if withOrders < tick {
		tick = withOrders
	}
	return &OrderSyncer{
		registry:      registry,
		withOrders:    withOrders,
		withoutOrders: withoutOrders,
		tick:          tick,
		log:           log,
	}
}

// Run 阻塞运行直到 ctx 取消
func (s *OrderSyncer) Run(ctx context.Context) {
	s.log.Infof("🔄 [订单同步] 启动（有活跃订单时每 %v，无活跃订单时每 %v）", s.withOrders, s.withoutOrders)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	lastSync := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("🔄 [订单同步] 已停止")
			return
		case <-ticker.C:
			interval := s.withoutOrders
			if s.registry.HasOpenOrders() {
				interval = s.withOrders
			}
			if time.Since(lastSync) < interval {
				continue
			}
			if err := s.registry.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnf("🔄 [订单同步] 对账失败: %v", err)
			}
			lastSync = time.Now()
		}
	}
}
