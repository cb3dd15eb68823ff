// Package controlplane 运行中调参与观测的 HTTP 接口
package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/capital"
	"github.com/arbbot/goarb/internal/ledger"
	"github.com/arbbot/goarb/internal/position"
	"github.com/arbbot/goarb/internal/runtimecfg"
	"github.com/arbbot/goarb/pkg/cache"
)

var log = logrus.WithField("module", "controlplane")

// errInvalidParams 参数校验失败
var errInvalidParams = errors.New("threshold_bps 和 alloc_usd 必须大于 0")

// Deps 控制面依赖的运行组件
type Deps struct {
	Store      *runtimecfg.Store
	Ledger     *ledger.Ledger
	Manager    *position.Manager
	Admitter   *capital.AdmissionController
	Rebalancer *capital.Rebalancer
	Defaults   runtimecfg.Params
}

// queryCacheTTL 账本查询结果的缓存时长
// 面板轮询比这个频率高，命中缓存就不用每次都打数据库
const queryCacheTTL = 2 * time.Second

// Server 控制面 HTTP 服务
type Server struct {
	deps    Deps
	queries *cache.InMemoryCache[string, any]
	httpSrv *http.Server
}

// New 创建控制面服务
func New(deps Deps) *Server {
	return &Server{
		deps:    deps,
		queries: cache.NewInMemoryCache[string, any](queryCacheTTL),
	}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/params", s.handleParamsGet)
	api.POST("/params", s.handleParamsSet)
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.GET("/trades", s.handleTrades)
	api.GET("/positions", s.handlePositions)
	api.POST("/positions/:id/close", s.handleClosePosition)
	api.GET("/balances", s.handleBalances)
	api.POST("/rebalance", s.handleRebalance)

	return r
}

// Start 启动监听
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("🚀 控制面监听 %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("❌ 控制面异常退出: %v", err)
		}
	}()
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": data})
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"ok": false, "error": err.Error()})
}

// handleStatus 运行状态总览
func (s *Server) handleStatus(c *gin.Context) {
	state, err := s.deps.Store.State()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}

	resp := gin.H{
		"state":          state,
		"open_positions": s.deps.Manager.OpenCount(),
	}

	if snap, found, err := s.deps.Store.LastEdges(); err == nil && found {
		resp["last_edges"] = snap
	}

	if total, err := s.deps.Ledger.RealizedPnLTotal(c.Request.Context()); err == nil {
		resp["realized_pnl"] = total
	}

	ok(c, resp)
}

// handleParamsGet 当前运行参数
func (s *Server) handleParamsGet(c *gin.Context) {
	params, err := s.deps.Store.Params(s.deps.Defaults)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, params)
}

// paramsPatch 可部分更新的参数请求
type paramsPatch struct {
	ThresholdBps  *float64 `json:"threshold_bps"`
	SpikeExtraBps *float64 `json:"spike_extra_bps"`
	AllocUSD      *float64 `json:"alloc_usd"`
	DryRun        *bool    `json:"dry_run"`
}

// handleParamsSet 更新运行参数（未给出的字段保持不变）
func (s *Server) handleParamsSet(c *gin.Context) {
	var patch paramsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	params, err := s.deps.Store.Params(s.deps.Defaults)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}

	if patch.ThresholdBps != nil {
		params.ThresholdBps = *patch.ThresholdBps
	}
	if patch.SpikeExtraBps != nil {
		params.SpikeExtraBps = *patch.SpikeExtraBps
	}
	if patch.AllocUSD != nil {
		params.AllocUSD = *patch.AllocUSD
	}
	if patch.DryRun != nil {
		params.DryRun = *patch.DryRun
	}

	if params.ThresholdBps <= 0 || params.AllocUSD <= 0 {
		fail(c, http.StatusBadRequest, errInvalidParams)
		return
	}

	if err := s.deps.Store.SetParams(params); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, params)
}

// handleStart 恢复开仓
func (s *Server) handleStart(c *gin.Context) {
	if err := s.deps.Store.SetState(runtimecfg.StateRunning); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"state": runtimecfg.StateRunning})
}

// handleStop 停止开仓（已有仓位仍会正常平掉）
func (s *Server) handleStop(c *gin.Context) {
	if err := s.deps.Store.SetState(runtimecfg.StateStopped); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"state": runtimecfg.StateStopped})
}

// limitParam 解析 limit 查询参数
func limitParam(c *gin.Context, fallback int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return fallback
}

// handleTrades 最近下单记录
func (s *Server) handleTrades(c *gin.Context) {
	limit := limitParam(c, 50)
	key := fmt.Sprintf("trades:%d", limit)
	if rows, hit := s.queries.Get(key); hit {
		ok(c, rows)
		return
	}

	rows, err := s.deps.Ledger.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	s.queries.Set(key, rows, 0)
	ok(c, rows)
}

// handlePositions 最近仓位（含进行中）
// 历史行走缓存，在管仓位每次都取实时快照
func (s *Server) handlePositions(c *gin.Context) {
	limit := limitParam(c, 50)
	key := fmt.Sprintf("positions:%d", limit)
	rows, hit := s.queries.Get(key)
	if !hit {
		fresh, err := s.deps.Ledger.RecentPositions(c.Request.Context(), limit)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		s.queries.Set(key, fresh, 0)
		rows = fresh
	}
	ok(c, gin.H{
		"rows": rows,
		"open": s.deps.Manager.Open(),
	})
}

// handleClosePosition 手动平仓，平仓流程在后台执行
func (s *Server) handleClosePosition(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Manager.CloseByID(c.Request.Context(), id); err != nil {
		if err == position.ErrNotOpen {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, gin.H{"closing": id})
}

// handleBalances 两腿账户余额
func (s *Server) handleBalances(c *gin.Context) {
	bal, err := s.deps.Admitter.Balances(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, bal)
}

// handleRebalance 手动触发再平衡，?dry_run=true 只算不动账
func (s *Server) handleRebalance(c *gin.Context) {
	if s.deps.Rebalancer == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("再平衡未启用"))
		return
	}
	dryRun := c.Query("dry_run") == "true"
	report, err := s.deps.Rebalancer.Rebalance(c.Request.Context(), dryRun)
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, report)
}
