package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"referral_bot/internal/config"
	"referral_bot/internal/feature/admin"
	"referral_bot/internal/feature/invitecode"
	"referral_bot/internal/feature/user"
	"referral_bot/internal/health"
	"referral_bot/internal/logging"
	"referral_bot/internal/metrics"
	"referral_bot/internal/referral"
	"referral_bot/internal/store"
	"referral_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	adminBootstrapTimeout   = 5 * time.Second
	webhookRegisterTimeout  = 10 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	httpShutdownTimeout     = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
		"webhook":  cfg.UsesWebhook(),
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	bootstrapper := admin.NewBootstrapper(mongoManager.Users(), logger)
	adminCtx, cancelAdmin := context.WithTimeout(context.Background(), adminBootstrapTimeout)
	if err := bootstrapper.EnsureAdmin(adminCtx, cfg.AdminUserID); err != nil {
		cancelAdmin()
		logger.WithError(err).Error("admin bootstrap error")
		fmt.Fprintf(os.Stderr, "admin bootstrap error: %v\n", err)
		os.Exit(1)
	}
	cancelAdmin()

	referralStore := mongoManager.ReferralStore()
	botMetrics := metrics.New()

	resolver := referral.NewResolver(referralStore, logger)
	walker := referral.NewWalker(referralStore, logger)
	statsProvider := store.NewStatsProvider(mongoManager.Users(), mongoManager.InviteCodes())

	userRegistrar := user.NewRegistrar(resolver, referralStore, botMetrics, user.Settings{
		AdminID:       cfg.AdminUserID,
		BotUsername:   cfg.BotUsername,
		CommunityName: cfg.CommunityName,
	}, logger)
	console := admin.NewConsole(referralStore, walker, statsProvider, botMetrics, cfg.ChainMaxDepth, logger)
	codes := invitecode.NewManager(referralStore, cfg.AdminUserID, func(code string) string {
		return user.ReferralLink(cfg.BotUsername, code)
	}, logger)

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithUserFlows(userRegistrar),
		telegram.WithAdminConsole(console),
		telegram.WithInviteCodes(codes),
		telegram.WithUserStore(referralStore),
	)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	httpServer := health.NewServer(cfg.HTTPPort, mongoManager, logger)
	httpServer.Handle("/metrics", botMetrics.Handler())
	httpServer.Handle(telegram.WebhookPath, tgClient.WebhookHandler())

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("http server error")
		}
	}()

	if cfg.UsesWebhook() {
		webhookCtx, cancelWebhook := context.WithTimeout(context.Background(), webhookRegisterTimeout)
		err := tgClient.RegisterWebhook(webhookCtx, cfg.WebhookSecret)
		cancelWebhook()
		if err != nil {
			logger.WithError(err).Error("telegram webhook registration error")
			fmt.Fprintf(os.Stderr, "telegram webhook registration error: %v\n", err)
			os.Exit(1)
		}
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram updates")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Error("http server shutdown error")
	}
	cancelHTTP()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
