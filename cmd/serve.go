package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/handler"
	"github.com/TIANLI0/MaskKit/middleware"
	"github.com/TIANLI0/MaskKit/service"
	"github.com/TIANLI0/MaskKit/utils"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string, build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP selection service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 加载配置
			cfg := config.New(*configPath)

			// 初始化日志
			if err := utils.InitLogger(cfg.Server.Mode, cfg.Log); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer utils.Sync()

			utils.Logger.Info("starting MaskKit server",
				zap.String("version", build.Version),
				zap.String("build_time", build.BuildTime),
				zap.String("git_commit", build.GitCommit),
				zap.String("git_branch", build.GitBranch),
				zap.String("mode", cfg.Session.Mode),
				zap.String("backend", cfg.Model.Backend))

			// 初始化Redis
			var redisService *service.RedisService
			if cfg.Redis.Enabled {
				redisService = service.NewRedisService(&cfg.Redis)
				if err := redisService.Ping(cmd.Context()); err != nil {
					utils.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
					_ = redisService.Close()
					redisService = nil
				} else {
					utils.Logger.Info("redis connected successfully")
					defer redisService.Close()
				}
			}

			backends, err := service.NewBackends(&cfg.Model, redisService)
			if err != nil {
				return err
			}
			manager, err := service.NewManagerFromConfig(cfg, backends)
			if err != nil {
				return err
			}
			defer manager.Close()

			r := NewRouter(cfg, manager, build)

			server := &http.Server{
				Addr:         cfg.Server.Port,
				Handler:      r,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			serverErr := make(chan error, 1)
			go func() {
				utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-cmd.Context().Done():
				utils.Logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-serverErr:
				utils.Logger.Error("failed to start server", zap.Error(err))
				return err
			}
		},
	}
}

// NewRouter 创建路由
func NewRouter(cfg *config.Config, manager *service.SessionManager, build BuildInfo) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.MaxMultipartMemory = cfg.Upload.MaxSize

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": build.Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    build.Version,
			"build_time": build.BuildTime,
			"git_commit": build.GitCommit,
			"git_branch": build.GitBranch,
		})
	})

	// API路由
	api := r.Group("/api/v1")
	handler.NewSessionHandler(cfg, manager).Register(api)

	return r
}
