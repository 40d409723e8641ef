// 包 api 提供只读查询接口与运维端点。
//
// 采集与聚合都由 CLI 子命令驱动，这个服务只做数据出口：
// 运行台账、价格快照、聚合历史、规则字典，以及规则热重载。
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chengzhi666/pythonAquaculture/internal/api/middleware"
	"github.com/chengzhi666/pythonAquaculture/internal/classify"
	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 封装查询服务的依赖与路由。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	engine *classify.Engine
	router *gin.Engine
}

// NewServer 初始化查询服务器并注册路由。
func NewServer(cfg *config.Config, logger *slog.Logger, st *store.Store, engine *classify.Engine) *Server {
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		engine: engine,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(logger))
	s.setupRoutes()
	return s
}

// Run 启动 HTTP 服务，阻塞直到出错。
func (s *Server) Run() error {
	s.logger.Info("query api listening", "addr", s.cfg.App.HTTPAddr)
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 暴露路由引擎，供测试直接调用。
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/runs", s.handleListRuns)
		apiGroup.GET("/prices/latest", s.handleLatestPrices)
		apiGroup.GET("/prices/history", s.handlePriceHistory)
		apiGroup.GET("/rules", s.handleListRules)
		apiGroup.POST("/rules/reload", s.handleReloadRules)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListRuns 返回采集运行台账，最近的在前。
func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(c.Request.Context(), c.Query("source"), queryInt(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleLatestPrices 返回最近的电商价格快照。
func (s *Server) handleLatestPrices(c *gin.Context) {
	rows, err := s.store.ListMarketplaceSnapshots(
		c.Request.Context(),
		c.Query("platform"),
		c.Query("product_type"),
		queryInt(c, "limit"),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": rows})
}

// handlePriceHistory 返回聚合后的价格历史。
func (s *Server) handlePriceHistory(c *gin.Context) {
	rows, err := s.store.ListPriceAgg(
		c.Request.Context(),
		c.DefaultQuery("grain", "day"),
		c.Query("platform"),
		c.Query("product_type"),
		queryInt(c, "limit"),
	)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregates": rows})
}

// handleListRules 返回当前启用的规则字典内容。
func (s *Server) handleListRules(c *gin.Context) {
	ctx := c.Request.Context()
	productTypes, err := s.store.LoadProductTypeRules(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	specs, err := s.store.LoadSpecRules(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	origins, err := s.store.LoadOriginRules(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_types": productTypes,
		"spec_units":    specs,
		"origins":       origins,
		"version":       s.engine.Version(),
	})
}

// handleReloadRules 强制规则引擎重载字典，返回新的快照版本。
func (s *Server) handleReloadRules(c *gin.Context) {
	if err := s.engine.Reload(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": s.engine.Version()})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("api request failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.Query(key))
	return v
}
