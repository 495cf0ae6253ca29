package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/krobus00/halal-trading-service/internal/config"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	httpHandler "github.com/krobus00/halal-trading-service/internal/handler/dashboard/http"
	"github.com/krobus00/halal-trading-service/internal/infrastructure"
	"github.com/krobus00/halal-trading-service/internal/repository"
	"github.com/krobus00/halal-trading-service/internal/service/lock"
	"github.com/krobus00/halal-trading-service/internal/service/orchestrator"
	"github.com/krobus00/halal-trading-service/internal/service/orderlifecycle"
	"github.com/krobus00/halal-trading-service/internal/service/portfolio"
	"github.com/krobus00/halal-trading-service/internal/service/position"
	"github.com/krobus00/halal-trading-service/internal/service/reconciler"
	"github.com/krobus00/halal-trading-service/internal/service/risk"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func StartTradingEngine(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig := config.Env.Database[tradingDatabase]
	db, err := infrastructure.NewPostgresConnection(ctx, dbConfig)
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, db, dbConfig.PingInterval)

	nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream)
	util.ContinueOrFatal(err)

	var redisClient *redis.Client
	if dsn := config.Env.Redis[tradingDatabase].CacheDSN; dsn != "" {
		redisClient, err = infrastructure.NewRedisClient(dsn)
		util.ContinueOrFatal(err)
	}

	gateway, quotes, err := newBrokerGateway(config.Env.Broker, config.Env.Secrets)
	util.ContinueOrFatal(err)

	prices, stream, err := newPriceFeed(config.Env.PriceFeed, config.Env.Secrets, quotes)
	util.ContinueOrFatal(err)
	if stream != nil {
		go stream.Run(ctx)
	}

	orderRepo := repository.NewOrderRepository(db)
	tradeHistoryRepo := repository.NewTradeHistoryRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	reportRepo := repository.NewReconciliationReportRepository(db)

	book := position.NewBook(positionRepo)
	err = book.Load(ctx)
	util.ContinueOrFatal(err)

	complianceService, attributeRepo, err := newComplianceService(config.Env.Compliance, config.Env.Secrets, db, redisClient)
	util.ContinueOrFatal(err)

	reportPublisher := reconciler.NewJetstreamPublisher(js)
	reconcilerService := reconciler.NewService(gateway, book, reportRepo, reportPublisher, reconcilerConfig(config.Env.Reconciler))

	lifecyclePublisher := orderlifecycle.NewJetstreamPublisher(js)
	manager := orderlifecycle.NewManager(ctx, gateway, orderRepo, tradeHistoryRepo, book, lifecycleConfig(config.Env.OrderLifecycle),
		orderlifecycle.WithPublisher(lifecyclePublisher),
		orderlifecycle.WithTerminalHook(reconcilerService.TriggerOnFill),
	)

	openOrders, err := orderRepo.GetNonTerminal(ctx)
	util.ContinueOrFatal(err)
	resumed := manager.Resume(ctx, openOrders)
	logrus.WithFields(logrus.Fields{
		"persisted": len(openOrders),
		"resumed":   resumed,
	}).Info("open orders recovered")

	orchestratorCfg, err := orchestratorConfig(config.Env.Orchestrator, riskLimits(config.Env.Risk))
	util.ContinueOrFatal(err)

	orchestratorOpts := make([]orchestrator.Option, 0)
	if config.Env.Orchestrator.DistributedLock {
		if redisClient == nil {
			util.ContinueOrFatal(errors.New("orchestrator.distributed_lock requires a redis cache_dsn"))
		}
		orchestratorOpts = append(orchestratorOpts, orchestrator.WithLocker(lock.NewRedisSymbolLocker(redisClient, config.Env.Orchestrator.LockTTL)))
	}

	sizer := risk.NewSizer(config.Env.Broker.Increments, config.Env.Broker.DefaultStep)
	tradingOrchestrator := orchestrator.New(complianceService, sizer, manager, book, gateway, prices, orchestratorCfg, orchestratorOpts...)

	signalStream := orchestrator.NewSignalStream(js, tradingOrchestrator, config.Env.NatsJetstream.MaxRetries, config.Env.NatsJetstream.TimeoutHandler[constant.TradingSignalStreamName])

	publishers := make([]entity.Publisher, 0)
	publishers = append(publishers, signalStream, lifecyclePublisher, reportPublisher)
	for _, v := range publishers {
		err = v.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
	}

	subscribers := make([]entity.Subscriber, 0)
	subscribers = append(subscribers, signalStream)
	for _, v := range subscribers {
		err = v.JetstreamEventSubscribe(ctx)
		util.ContinueOrFatal(err)
	}

	go reconcilerService.Run(ctx)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(config.ServiceName, healthpb.HealthCheckResponse_SERVING)

	if config.Env.Env == constant.DevelopmentEnvironment {
		reflection.Register(grpcServer)
	}

	grpcPort := fmt.Sprintf(":%s", config.Env.Port["trading_engine_grpc"])

	lis, err := net.Listen("tcp", grpcPort)
	util.ContinueOrFatal(err)

	go func() {
		_ = grpcServer.Serve(lis)
	}()
	logrus.Info(fmt.Sprintf("grpc server started on %s", grpcPort))

	queryService := portfolio.NewQueryService(orderRepo, tradeHistoryRepo, reportRepo, book, gateway, prices, config.Env.Broker.Timeout)
	dashboardHandler := httpHandler.NewDashboardHTTPHandler(queryService, signalStream, complianceService, attributeRepo, config.Env.APIKeys, db.PingContext)

	httpServer := infrastructure.NewHTTPServer(infrastructure.HTTPServerConfig{
		Addr: infrastructure.ListenAddr(config.Env.Port["dashboard_http"]),
	}, dashboardHandler.Router())

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		// trackers still write to the store and the stream while resolving
		"trading engine": func(ctx context.Context) error {
			healthServer.Shutdown()

			managerErr := manager.Shutdown(ctx)
			natsErr := infrastructure.CloseJetstream(nc)
			cancel()

			var redisErr error
			if redisClient != nil {
				redisErr = redisClient.Close()
			}

			return errors.Join(managerErr, natsErr, redisErr, db.Close())
		},
		"grpc": func(ctx context.Context) error {
			grpcServer.GracefulStop()
			return nil
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})

	<-wait
}
