package metrics

import "expvar"

var (
	// 交易所网关
	GatewayRequests = expvar.NewMap("gateway_requests") // 按方法计数
	GatewayErrors   = expvar.NewMap("gateway_errors")   // 按错误分类计数
	AuthSuccess     = expvar.NewInt("auth_success")
	AuthFailures    = expvar.NewInt("auth_failures")

	// 订单表
	OrdersPlaced    = expvar.NewInt("orders_placed")
	OrdersCancelled = expvar.NewInt("orders_cancelled")
	OrdersModified  = expvar.NewInt("orders_modified")
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")

	// 订阅中心
	HubClients       = expvar.NewInt("hub_clients")
	HubMessagesSent  = expvar.NewInt("hub_messages_sent")
	HubDroppedFrames = expvar.NewInt("hub_dropped_frames")

	// 行情推送
	FeedPolls      = expvar.NewInt("feed_polls")
	FeedPollErrors = expvar.NewInt("feed_poll_errors")
)
