package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lnemail/backend/internal/config"
	"lnemail/backend/internal/health"
	"lnemail/backend/internal/jobs"
	"lnemail/backend/internal/lightning"
	"lnemail/backend/internal/logger"
	"lnemail/backend/internal/mailagent"
	"lnemail/backend/internal/mailer"
	"lnemail/backend/internal/queue"
	"lnemail/backend/internal/service"
	"lnemail/backend/internal/storage"
	"lnemail/backend/internal/storage/hybrid"
	"lnemail/backend/internal/storage/memory"
	httptransport "lnemail/backend/internal/transport/http"
	"lnemail/backend/internal/websocket"
)

// main 启动 HTTP API 与后台作业处理器。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		FilePath:    cfg.Log.FilePath,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting lnemail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("mail_domain", cfg.Mail.Domain),
	)

	// 存储层：生产用 SQL + Redis 混合存储，未配置数据库时退到内存存储
	var store storage.Store
	var jobQueue queue.Queue
	var memQueue *queue.MemoryQueue

	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		hybridStore, err := hybrid.NewStore(
			cfg.Database.Type, cfg.Database.DSN,
			cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime,
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize storage: %v", err))
		}
		if err := hybridStore.AutoMigrate(); err != nil {
			panic(fmt.Sprintf("failed to migrate database schema: %v", err))
		}
		store = hybridStore
		jobQueue = queue.NewRedisQueue(hybridStore.Redis().Raw(), log)
		log.Info("using hybrid storage",
			zap.String("database", cfg.Database.Type),
			zap.String("redis", cfg.Redis.Address),
		)
	} else {
		store = memory.NewStore()
		memQueue = queue.NewMemoryQueue(1024)
		jobQueue = memQueue
		log.Warn("using in-memory storage, all state is lost on restart")
	}
	defer store.Close()

	// 闪电网关：LND 节点，可选 LNProxy 发票包装
	var gateway lightning.Gateway
	lndGateway, err := lightning.NewLNDGateway(lightning.LNDConfig{
		GRPCHost:      cfg.LND.GRPCHost,
		TLSCertPath:   cfg.LND.TLSCertPath,
		MacaroonPath:  cfg.LND.MacaroonPath,
		InvoiceExpiry: cfg.Payment.InvoiceExpiry,
		LookupPerSec:  cfg.LND.LookupPerSec,
	}, log)
	if err != nil {
		panic(fmt.Sprintf("failed to connect to lnd: %v", err))
	}
	defer lndGateway.Close()
	gateway = lndGateway
	if cfg.LNProxy.Enabled {
		gateway = lightning.NewLNProxyGateway(lndGateway, cfg.LNProxy.URL, log)
		log.Info("invoice privacy wrapping enabled", zap.String("lnproxy", cfg.LNProxy.URL))
	}

	// 邮件系统接入
	provisioner, err := mailagent.NewClient(cfg.Mail.RequestsDir, cfg.Mail.ResponsesDir, cfg.Mail.AgentTimeout, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize mail agent client: %v", err))
	}
	submitter := mailer.NewSubmitter(cfg.Mail.SMTPAddr, log)
	inbox := mailer.NewReader(cfg.Mail.IMAPAddr, cfg.Mail.IMAPTimeout, log)

	// WebSocket 推送
	wsHub := websocket.NewHub(log)
	defer wsHub.Shutdown()

	// 服务层
	accountService := service.NewAccountService(store, gateway, jobQueue, provisioner, cfg.Payment, cfg.Mail.Domain, log)
	sendService := service.NewSendService(store, gateway, jobQueue, cfg.Payment, cfg.RateLimit, log)
	mailService := service.NewMailService(inbox)

	// 后台作业处理器
	processor := jobs.NewProcessor(store, jobQueue, gateway, provisioner, submitter, wsHub, jobs.Config{
		Workers:              cfg.Jobs.Workers,
		PollInterval:         cfg.Jobs.PollInterval,
		MaxStatusAttempts:    cfg.Jobs.MaxStatusAttempts,
		MaxProvisionAttempts: cfg.Jobs.MaxProvisionAttempts,
		MaxDeliveryAttempts:  cfg.Jobs.MaxDeliveryAttempts,
		AllowLateSettlement:  cfg.Payment.AllowLateSettlement,
	}, log)

	healthChecker := health.NewChecker(store, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		AccountService: accountService,
		MailService:    mailService,
		SendService:    sendService,
		WebSocketHub:   wsHub,
		HealthChecker:  healthChecker,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 启动前把重启期间遗留的 pending 意向重新入队
	if err := processor.RecoverPending(ctx); err != nil {
		log.Error("pending intent recovery failed", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return processor.Run(groupCtx)
	})

	// 周期性过期扫描：超时的意向与到期的账户
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Jobs.ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				accountService.ExpireSweep(groupCtx)
			}
		}
	})

	// 优雅关停
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if memQueue != nil {
			memQueue.Stop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}
