// cmd/stock-service/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"stockguard/internal/pkg/bootstrap"
	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/mq"
	"stockguard/internal/service/stock/application"
	"stockguard/internal/service/stock/domain"
	"stockguard/internal/service/stock/interfaces"
)

var configPath string

// main 是应用的组装根：解析命令行，创建依赖，然后启动服务或执行一次性运维命令。
func main() {
	root := &cobra.Command{
		Use:           "stock-service",
		Short:         "Branch stock reservation and consistency service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config (env STOCK_CONFIG)")

	root.AddCommand(serveCmd(), sweepCmd(), reconcileCmd(), adjustCmd(), forceSetCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withContainer 加载配置、创建容器，执行 fn 后释放资源。
func withContainer(ctx context.Context, migrate bool, fn func(c *container) error) error {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return err
	}
	c, err := newContainer(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer c.shutdown(context.WithoutCancel(ctx))
	return fn(c)
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the expiry sweeper, drift reconciler and cart session consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configPath)
			if err != nil {
				return err
			}
			c, err := newContainer(cmd.Context(), cfg, migrate)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create tables before serving (development only)")
	return cmd
}

func serve(ctx context.Context, c *container) error {
	cfg := c.cfg
	handler := interfaces.NewStockHandler(c.holds, c.checkout, c.adjuster, c.reconciler, cfg.Stock.DevEndpoints)

	info := bootstrap.AppInfo{
		ServiceName:      cfg.Service.Name,
		Port:             cfg.Service.Port,
		RegisterHandlers: func(mux *http.ServeMux) { handler.RegisterRoutes(mux) },
		Health:           c.health,
	}

	if cfg.Stock.Sweeper.Enabled {
		info.Runners = append(info.Runners, bootstrap.Runner{Name: "expiry-sweeper", Run: func(ctx context.Context) error {
			c.sweeper.Start(ctx, cfg.Stock.Sweeper.Interval)
			return nil
		}})
	}
	if cfg.Stock.Reconciler.Enabled {
		info.Runners = append(info.Runners, bootstrap.Runner{Name: "drift-reconciler", Run: func(ctx context.Context) error {
			c.reconciler.Start(ctx, cfg.Stock.Reconciler.Interval)
			return nil
		}})
	}

	var closers []bootstrap.Closer
	if kc := cfg.Infra.Kafka; kc.Enabled {
		reader := mq.NewKafkaReader(kc.Brokers, kc.CartSessionTopic, kc.GroupID)
		consumer := interfaces.NewCartSessionConsumer(reader, c.holds, kc.CartSessionTopic)
		info.Runners = append(info.Runners, bootstrap.Runner{Name: "cart-session-consumer", Run: func(ctx context.Context) error {
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}})
		closers = append(closers, bootstrap.Closer{Name: "cart-session-consumer", Close: func(ctx context.Context) error {
			consumer.Stop(ctx)
			return nil
		}})
	}
	info.Closers = append(closers, c.closers()...)

	if nc := cfg.Infra.Nacos; nc.Enabled {
		registry, err := nacosClient(nc)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("nacos unavailable, serving without registration")
		} else {
			info.Registry = registry
		}
	}

	return bootstrap.StartService(ctx, info)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release all expired holds once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), false, func(c *container) error {
				n, err := c.sweeper.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"released": n})
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		branchID int64
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute reserved counters from live holds and print the drift report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), false, func(c *container) error {
				run := c.reconciler.Run
				if wait {
					run = c.reconciler.RunWait
				}
				report, err := run(cmd.Context(), branchID)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	cmd.Flags().Int64Var(&branchID, "branch", 0, "limit to one branch (0 = all)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a running reconcile to finish instead of skipping")
	return cmd
}

func adjustCmd() *cobra.Command {
	var req application.AdjustRequest
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a SET/RESTOCK/DEDUCT adjustment to one branch item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), false, func(c *container) error {
				result, err := c.adjuster.AdjustBranchStock(cmd.Context(), &req)
				if err != nil {
					return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().Int64Var(&req.BranchID, "branch", 0, "branch id")
	cmd.Flags().Int64Var(&req.ItemID, "item", 0, "item id")
	cmd.Flags().StringVar(&req.Mode, "mode", string(domain.AdjustSet), "SET, RESTOCK or DEDUCT")
	cmd.Flags().Int64Var(&req.Quantity, "qty", 0, "quantity")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func forceSetCmd() *cobra.Command {
	var pair domain.Pair
	var qty int64
	cmd := &cobra.Command{
		Use:   "force-set",
		Short: "Overwrite stock and drop all holds of one branch item (testing only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), false, func(c *container) error {
				result, err := c.adjuster.ForceSetStock(cmd.Context(), pair, qty)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().Int64Var(&pair.BranchID, "branch", 0, "branch id")
	cmd.Flags().Int64Var(&pair.ItemID, "item", 0, "item id")
	cmd.Flags().Int64Var(&qty, "qty", 0, "quantity")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
