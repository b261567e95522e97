package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/gorm"

	"stockguard/internal/pkg/bootstrap"
	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/nacos"
	"stockguard/internal/pkg/redis"
	"stockguard/internal/pkg/tracing"
	"stockguard/internal/service/stock/application"
	"stockguard/internal/service/stock/domain"
	"stockguard/internal/service/stock/infrastructure"
	"stockguard/internal/zookeeper"
)

// container 持有进程内只创建一次的资源，以及组装好的业务服务。
type container struct {
	cfg *bootstrap.Config

	tp          *sdktrace.TracerProvider
	db          *gorm.DB
	redisClient *redis.Client // noop 账本时为 nil
	zkConn      *zookeeper.Conn

	ledger     domain.HoldLedger
	repo       *infrastructure.GormStockRepository
	driftStore domain.DriftMetricsStore
	lock       domain.LeaderLock

	holds      *application.HoldService
	checkout   *application.CheckoutService
	adjuster   *application.StockAdjuster
	reconciler *application.DriftReconciler
	sweeper    *application.ExpirySweeper
}

// newContainer 按依赖顺序创建所有组件，失败时释放已创建的资源。
func newContainer(ctx context.Context, cfg *bootstrap.Config, migrate bool) (_ *container, err error) {
	c := &container{cfg: cfg}
	defer func() {
		if err != nil {
			c.shutdown(ctx)
		}
	}()

	// 1. 观测
	logger.Init(cfg.Service.LogLevel, cfg.Service.LogPretty, cfg.Service.Name)
	if c.tp, err = tracing.InitTracerProvider(cfg.Service.Name, cfg.Infra.Jaeger.Endpoint); err != nil {
		return nil, fmt.Errorf("init tracer provider: %w", err)
	}
	tracer := otel.Tracer(cfg.Service.Name)

	// 2. 关系库
	if c.db, err = infrastructure.OpenMySQL(infrastructure.MySQLOptions{
		DSN:             cfg.Infra.MySQL.DSN,
		MaxOpenConns:    cfg.Infra.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Infra.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Infra.MySQL.ConnMaxLifetime,
	}); err != nil {
		return nil, err
	}
	if migrate {
		if err = infrastructure.Migrate(c.db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	c.repo = infrastructure.NewGormStockRepository(c.db, cfg.Stock.Checkout.Timeout)

	// 3. 账本
	if cfg.Stock.Ledger.Driver == infrastructure.LedgerDriverRedis {
		if c.redisClient, err = redis.NewClient(ctx, redis.Options{
			Addrs:    cfg.Infra.Redis.Addrs,
			Password: cfg.Infra.Redis.Password,
			DB:       cfg.Infra.Redis.DB,
		}); err != nil {
			return nil, err
		}
	}
	if c.ledger, err = infrastructure.NewHoldLedger(cfg.Stock.Ledger.Driver, c.redisClient, infrastructure.RedisLedgerOptions{
		IndexGrace:      cfg.Stock.Ledger.IndexGrace,
		SkipOnHandCheck: cfg.Stock.Ledger.SkipOnHandCheck,
	}); err != nil {
		return nil, err
	}

	// 4. 对账依赖：报告存储与单实例锁
	if c.redisClient != nil {
		c.driftStore = infrastructure.NewRedisDriftStore(c.redisClient, cfg.Stock.Reconciler.HistorySize)
	} else {
		c.driftStore = infrastructure.NewMemoryDriftStore(cfg.Stock.Reconciler.HistorySize)
	}
	if c.lock, err = c.newLeaderLock(ctx); err != nil {
		return nil, err
	}

	// 5. 业务服务
	c.holds = application.NewHoldService(c.ledger, c.repo, tracer, cfg.Stock.Hold.DefaultTTL, cfg.Stock.Hold.MaxTTL)
	c.checkout = application.NewCheckoutService(c.repo, c.ledger, tracer)
	c.adjuster = application.NewStockAdjuster(c.repo, c.ledger, tracer)
	c.reconciler = application.NewDriftReconciler(c.ledger, c.repo, c.driftStore, c.lock, tracer, application.ReconcilerOptions{
		MaxPairs:      cfg.Stock.Reconciler.MaxPairs,
		RefreshOnHand: cfg.Stock.Reconciler.RefreshOnHand,
	})
	c.sweeper = application.NewExpirySweeper(c.ledger, cfg.Stock.Sweeper.Batch)
	return c, nil
}

func (c *container) newLeaderLock(ctx context.Context) (domain.LeaderLock, error) {
	rc := c.cfg.Stock.Reconciler
	if rc.Lock != infrastructure.LockKindZookeeper {
		return infrastructure.NewLocalLeaderLock(), nil
	}
	zc := c.cfg.Infra.Zookeeper
	conn, err := zookeeper.Connect(ctx, zc.Servers, zc.SessionTimeout)
	if err != nil {
		return nil, err
	}
	c.zkConn = conn
	dl, err := zookeeper.NewDistributedLock(conn, rc.LockPath)
	if err != nil {
		return nil, err
	}
	return infrastructure.NewZKLeaderLock(dl), nil
}

// health 检查关系库与 redis 是否可用
func (c *container) health(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	if c.redisClient != nil {
		if err := c.redisClient.GetClient().Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// closers 返回关停顺序：tracer 先刷出，再断开 zk、redis，最后关闭数据库。
func (c *container) closers() []bootstrap.Closer {
	var out []bootstrap.Closer
	if c.tp != nil {
		out = append(out, bootstrap.Closer{Name: "tracer", Close: c.tp.Shutdown})
	}
	if c.zkConn != nil {
		out = append(out, bootstrap.Closer{Name: "zookeeper", Close: func(context.Context) error {
			c.zkConn.Close()
			return nil
		}})
	}
	if c.redisClient != nil {
		out = append(out, bootstrap.Closer{Name: "redis", Close: func(context.Context) error {
			return c.redisClient.Close()
		}})
	}
	if c.db != nil {
		out = append(out, bootstrap.Closer{Name: "mysql", Close: func(context.Context) error {
			return infrastructure.CloseDB(c.db)
		}})
	}
	return out
}

// shutdown 供一次性子命令使用
func (c *container) shutdown(ctx context.Context) {
	for _, cl := range c.closers() {
		if err := cl.Close(ctx); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("closer", cl.Name).Msg("close failed")
		}
	}
}

func nacosClient(nc bootstrap.NacosConfig) (*nacos.Client, error) {
	return nacos.NewNacosClient(nc.ServerAddrs, nc.Namespace, nc.Group)
}
