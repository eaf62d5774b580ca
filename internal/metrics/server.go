package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ServeErrors metrics 服务自身的异常退出次数
var ServeErrors = expvar.NewInt("metrics_serve_errors")

// Snapshot 当前各计数器的值，键与 expvar 名称一致
func Snapshot() map[string]interface{} {
	out := map[string]interface{}{
		"auth_success":       AuthSuccess.Value(),
		"auth_failures":      AuthFailures.Value(),
		"orders_placed":      OrdersPlaced.Value(),
		"orders_cancelled":   OrdersCancelled.Value(),
		"orders_modified":    OrdersModified.Value(),
		"reconcile_runs":     ReconcileRuns.Value(),
		"reconcile_errors":   ReconcileErrors.Value(),
		"hub_clients":        HubClients.Value(),
		"hub_messages_sent":  HubMessagesSent.Value(),
		"hub_dropped_frames": HubDroppedFrames.Value(),
		"feed_polls":         FeedPolls.Value(),
		"feed_poll_errors":   FeedPollErrors.Value(),
	}
	out["gateway_requests"] = mapValues(GatewayRequests)
	out["gateway_errors"] = mapValues(GatewayErrors)
	return out
}

func mapValues(m *expvar.Map) map[string]int64 {
	vals := make(map[string]int64)
	m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			vals[kv.Key] = v.Value()
		}
	})
	return vals
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", func(c *gin.Context) { c.JSON(http.StatusOK, Snapshot()) })
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	// pprof 显式挂到独立的 engine 上，不依赖 DefaultServeMux
	r.Any("/debug/pprof/*name", func(c *gin.Context) {
		switch strings.TrimPrefix(c.Param("name"), "/") {
		case "cmdline":
			pprof.Cmdline(c.Writer, c.Request)
		case "profile":
			pprof.Profile(c.Writer, c.Request)
		case "symbol":
			pprof.Symbol(c.Writer, c.Request)
		case "trace":
			pprof.Trace(c.Writer, c.Request)
		default:
			pprof.Index(c.Writer, c.Request)
		}
	})
	return r
}

// StartAsync 启动 metrics/debug 服务（非阻塞），并在 ctx.Done() 时优雅关闭：
// - 计数器快照: /metrics
// - expvar: /debug/vars
// - pprof:  /debug/pprof
// 建议仅监听 localhost 或内网。
func StartAsync(ctx context.Context, listenAddr string, log *logrus.Entry) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logrus.WithField("component", "metrics")
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ServeErrors.Add(1)
			log.Errorf("metrics 服务异常退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	return s, nil
}
