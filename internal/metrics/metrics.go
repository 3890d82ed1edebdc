// Package metrics 暴露 shellcache 的 Prometheus 指标，统一使用 shellcache_ 前缀。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors 汇总 worker 生命周期与 fetch 路径上的指标。nil 值可安全调用。
type Collectors struct {
	gatherer prometheus.Gatherer

	fetchTotal         *prometheus.CounterVec
	installTotal       *prometheus.CounterVec
	storesDeletedTotal prometheus.Counter
	backgroundPutTotal *prometheus.CounterVec
	lifecycleState     *prometheus.GaugeVec
}

// New 在独立 Registry 上注册全部指标，避免测试之间互相干扰。
func New() *Collectors {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry 在给定的 registerer 上注册指标，gatherer 用于 Handler 输出。
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		gatherer: gatherer,
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellcache_fetch_total",
				Help: "Fetch events by response source (cache, network, fallback, offline, passthrough, error)",
			},
			[]string{"source"},
		),
		installTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellcache_install_total",
				Help: "Install attempts by result",
			},
			[]string{"result"},
		),
		storesDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellcache_stores_deleted_total",
				Help: "Stale caches deleted during activation",
			},
		),
		backgroundPutTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellcache_background_put_total",
				Help: "Opportunistic cache writes after network fetches by result",
			},
			[]string{"result"},
		),
		lifecycleState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shellcache_lifecycle_state",
				Help: "Current worker lifecycle state (1 for the active state)",
			},
			[]string{"state"},
		),
	}
}

// RecordFetch 记录一次 fetch 事件的响应来源。
func (c *Collectors) RecordFetch(source string) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(source).Inc()
}

// RecordInstall 记录一次 install 尝试的结果。
func (c *Collectors) RecordInstall(err error) {
	if c == nil {
		return
	}
	c.installTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordStoreDeleted 记录 activate 删除的旧缓存。
func (c *Collectors) RecordStoreDeleted() {
	if c == nil {
		return
	}
	c.storesDeletedTotal.Inc()
}

// RecordBackgroundPut 记录后台写缓存结果。
func (c *Collectors) RecordBackgroundPut(err error) {
	if c == nil {
		return
	}
	c.backgroundPutTotal.WithLabelValues(resultLabel(err)).Inc()
}

// SetLifecycleState 将 state 置 1，其余已知状态置 0。
func (c *Collectors) SetLifecycleState(state string, known []string) {
	if c == nil {
		return
	}
	for _, s := range known {
		c.lifecycleState.WithLabelValues(s).Set(0)
	}
	c.lifecycleState.WithLabelValues(state).Set(1)
}

// Handler 返回 Prometheus 文本格式输出。
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
