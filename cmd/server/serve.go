package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"creditsystem/internal/auth"
	"creditsystem/internal/handler"
	"creditsystem/internal/infrastructure/cache"
	"creditsystem/internal/infrastructure/database"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/infrastructure/tracing"
	"creditsystem/internal/job"
	"creditsystem/internal/service"
	"creditsystem/pkg/idgen"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务和后台任务",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	// 收到中断信号时取消上下文，停止后台任务
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, log, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("关闭链路追踪失败", "error", err)
		}
	}()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	redisClient, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	locker := lock.NewAccountLocker(redisClient, cfg.Business.LockTTL, cfg.Business.LockRetryInterval, cfg.Business.LockMaxRetries)
	ledger := service.NewLedgerService(db, locker, cfg, log)
	rules := service.NewRuleService(db, ledger, log)
	sessions := service.NewSessionService(db, ledger, cfg, log)

	if err := rules.SeedRules(ctx, cfg.Rules); err != nil {
		return fmt.Errorf("初始化积分规则失败: %w", err)
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, publisher, cfg, log)
	go outboxSender.Start(ctx)

	sessionTimeoutJob := job.NewSessionTimeoutJob(db, sessions, cfg, log)
	go sessionTimeoutJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(db, ledger, cfg, log)
	go reconcileJob.Start(ctx)

	h := handler.NewHandler(ledger, rules, sessions, log)
	router := handler.SetupRouter(cfg, log, auth.NewJWTVerifier(cfg.Auth), h)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("服务启动", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("正在关闭服务...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("服务启动失败: %w", err)
		}
	}

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", "error", err)
	}

	outboxSender.Stop()
	sessionTimeoutJob.Stop()
	reconcileJob.Stop()

	log.Info("服务已关闭")
	return nil
}
