package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"recohunter/internal/api/middleware"
	"recohunter/internal/config"
	"recohunter/internal/model"
	"recohunter/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const healthCheckTimeout = 2 * time.Second

// JobService 是 HTTP 层依赖的任务编排接口。
type JobService interface {
	StartScrapingJob(ctx context.Context, req *model.ScrapeRequest) (*model.Job, error)
	StartCPFRecommendationsJob(ctx context.Context, req *model.RecommendationRequest) (*model.Job, error)
	JobStatus(ctx context.Context, jobID string) (*model.Job, error)
	AllJobs(ctx context.Context) ([]*model.Job, error)
	CancelJob(ctx context.Context, jobID string) bool
	RetryJob(ctx context.Context, jobID string) *model.Job
	ClearTerminalJobs(ctx context.Context) (int, error)
	QueueStats(ctx context.Context) (*orchestrator.Stats, error)
}

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有 Redis 客户端、任务编排器以及 Gin 路由引擎。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    *redis.Client
	router *gin.Engine
	jobs   JobService
}

// NewServer 初始化 API 服务器并注册全部路由。
func NewServer(cfg *config.Config, logger *slog.Logger, rdb *redis.Client, jobs JobService) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		rdb:    rdb,
		router: r,
		jobs:   jobs,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
//
// 提交与查询单个任务需要 API Key，其余任务管理操作、
// 任务列表与队列统计为公开端点。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	scraping := s.router.Group("/api/scraping")
	scraping.GET("/jobs", s.handleListJobs)
	scraping.GET("/stats", s.handleStats)
	scraping.DELETE("/jobs/:id", s.handleCancelJob)
	scraping.POST("/jobs/:id/retry", s.handleRetryJob)
	scraping.DELETE("/jobs/completed/clear", s.handleClearJobs)

	keyed := scraping.Group("/")
	keyed.Use(middleware.APIKeyAuth(s.cfg.Security.APIKeys))
	keyed.POST("/start", s.handleStartScrape)
	keyed.POST("/recommendations/cpf", s.handleStartCPFRecommendations)
	keyed.GET("/jobs/:id", s.handleJobStatus)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if s.rdb == nil || s.rdb.Ping(ctx).Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStartScrape 接收抓取请求，入队后立刻返回 202 与任务初始状态。
func (s *Server) handleStartScrape(c *gin.Context) {
	var req model.ScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobs.StartScrapingJob(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("start scraping job failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start scraping job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// handleStartCPFRecommendations 接收 CPF 推荐抓取请求，入队后返回 202。
func (s *Server) handleStartCPFRecommendations(c *gin.Context) {
	var req model.RecommendationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobs.StartCPFRecommendationsJob(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("start cpf recommendations job failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start recommendations job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	id := c.Param("id")
	job, err := s.jobs.JobStatus(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("job status lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job status"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Job %s not found", id)})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.jobs.AllJobs(c.Request.Context())
	if err != nil {
		s.logger.Error("list jobs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if !s.jobs.CancelJob(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Job %s not found or cannot be cancelled", id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Job %s cancelled successfully", id)})
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id := c.Param("id")
	job := s.jobs.RetryJob(c.Request.Context(), id)
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Job %s not found or cannot be retried", id)})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleClearJobs(c *gin.Context) {
	count, err := s.jobs.ClearTerminalJobs(c.Request.Context())
	if err != nil {
		s.logger.Error("clear jobs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Cleared %d jobs", count)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.jobs.QueueStats(c.Request.Context())
	if err != nil {
		s.logger.Error("queue stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
