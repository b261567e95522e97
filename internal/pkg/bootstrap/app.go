// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/nacos"
	"stockguard/internal/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

// Runner 是随服务一起运行的后台任务，应当阻塞到 ctx 结束。
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Closer 在关停阶段按注册顺序依次执行。
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// AppInfo 包含了启动服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Registry 不为 nil 时启动后注册实例，关停时首先注销。
	Registry *nacos.Client
	// RegisterHandlers 注册服务自己的 HTTP 路由
	RegisterHandlers func(mux *http.ServeMux)
	// Health 为 /healthz 提供依赖检查，nil 表示总是健康
	Health  func(ctx context.Context) error
	Runners []Runner
	Closers []Closer
}

// NewMux 创建带 /healthz 和 /metrics 的路由，再交给服务注册自己的路由。
func NewMux(info AppInfo) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if info.Health != nil {
			if err := info.Health(r.Context()); err != nil {
				logger.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(mux)
	}
	return mux
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞到收到退出信号、ctx 结束或某个任务出错。
func StartService(ctx context.Context, info AppInfo) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(info.Port))
	if err != nil {
		for _, c := range info.Closers {
			_ = c.Close(ctx)
		}
		return err
	}
	return serve(ctx, lis, info)
}

func serve(ctx context.Context, lis net.Listener, info AppInfo) error {
	log := logger.Ctx(ctx)
	server := &http.Server{Handler: NewMux(info), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	// 1. HTTP Server
	g.Go(func() error {
		log.Info().Str("service", info.ServiceName).Str("addr", lis.Addr().String()).Msg("http server listening")
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 2. 后台任务
	for _, r := range info.Runners {
		r := r
		g.Go(func() error {
			log.Info().Str("runner", r.Name).Msg("runner started")
			err := r.Run(gctx)
			if err != nil && gctx.Err() == nil {
				log.Error().Err(err).Str("runner", r.Name).Msg("runner failed")
				return err
			}
			return nil
		})
	}

	// 3. 服务注册
	var ip string
	if info.Registry != nil {
		ip = register(info, log)
	}

	// 4. 阻塞直到退出信号或任务失败
	<-gctx.Done()
	log.Info().Str("service", info.ServiceName).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// a. 先从注册中心摘除，避免新流量进来
	if info.Registry != nil {
		if ip != "" {
			if err := info.Registry.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				log.Error().Err(err).Msg("deregister from nacos")
			}
		}
		info.Registry.Close()
	}

	// b. 关闭 HTTP 服务器，等待进行中的请求
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown http server")
	}

	runErr := g.Wait()

	// c. 按顺序执行清理
	for _, c := range info.Closers {
		if err := c.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Str("closer", c.Name).Msg("close failed")
		} else {
			log.Info().Str("closer", c.Name).Msg("closed")
		}
	}

	log.Info().Str("service", info.ServiceName).Msg("service gracefully shut down")
	return runErr
}

// register 注册失败不影响服务运行，返回空串表示未注册
func register(info AppInfo, log *zerolog.Logger) string {
	ip, err := utils.GetOutboundIP()
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve outbound ip, skip nacos registration")
		return ""
	}
	if err := info.Registry.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
		log.Warn().Err(err).Msg("nacos registration failed")
		return ""
	}
	return ip
}
