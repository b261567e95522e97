// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是服务的全部配置：先取默认值，再读 yaml 文件，最后用环境变量覆盖。
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Infra   InfraConfig   `yaml:"infra"`
	Stock   StockConfig   `yaml:"stock"`
}

type ServiceConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	CartSessionTopic string   `yaml:"cart_session_topic"`
	GroupID          string   `yaml:"group_id"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"` // 为空时不导出 trace
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type StockConfig struct {
	Ledger       LedgerConfig     `yaml:"ledger"`
	Hold         HoldConfig       `yaml:"hold"`
	Checkout     CheckoutConfig   `yaml:"checkout"`
	Sweeper      SweeperConfig    `yaml:"sweeper"`
	Reconciler   ReconcilerConfig `yaml:"reconciler"`
	DevEndpoints bool             `yaml:"dev_endpoints"`
}

type LedgerConfig struct {
	Driver          string        `yaml:"driver"` // redis | noop
	IndexGrace      time.Duration `yaml:"index_grace"`
	SkipOnHandCheck bool          `yaml:"skip_onhand_check"`
}

type HoldConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
}

type CheckoutConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

type ReconcilerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	MaxPairs      int           `yaml:"max_pairs"`
	RefreshOnHand bool          `yaml:"refresh_on_hand"`
	Lock          string        `yaml:"lock"` // local | zookeeper
	LockPath      string        `yaml:"lock_path"`
	HistorySize   int           `yaml:"history_size"`
}

// DefaultConfig 返回本地开发可直接使用的默认配置
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "stock-service", Port: 8090, LogLevel: "info"},
		Infra: InfraConfig{
			MySQL: MySQLConfig{
				DSN:             "root:root@tcp(localhost:3306)/restaurant?charset=utf8mb4",
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: 30 * time.Minute,
			},
			Redis: RedisConfig{Addrs: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers:          []string{"localhost:9092"},
				CartSessionTopic: "stock.cart-session-events",
				GroupID:          "stock-service",
			},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 5 * time.Second},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
		Stock: StockConfig{
			Ledger:   LedgerConfig{Driver: "redis", IndexGrace: 10 * time.Minute},
			Hold:     HoldConfig{DefaultTTL: 15 * time.Minute, MaxTTL: 2 * time.Hour},
			Checkout: CheckoutConfig{Timeout: 5 * time.Second},
			Sweeper:  SweeperConfig{Enabled: true, Interval: 10 * time.Second, Batch: 500},
			Reconciler: ReconcilerConfig{
				Enabled:     true,
				Interval:    time.Minute,
				Lock:        "local",
				LockPath:    "stock-reconciler",
				HistorySize: 100,
			},
		},
	}
}

// LoadConfig 读取配置。path 为空时依次尝试 STOCK_CONFIG 环境变量，都没有则只用默认值。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("STOCK_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖部署相关的配置
func (c *Config) applyEnv() {
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.Redis.Password = getEnv("REDIS_PASSWORD", c.Infra.Redis.Password)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.Stock.Ledger.Driver = getEnv("LEDGER_DRIVER", c.Stock.Ledger.Driver)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)

	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Infra.Kafka.Brokers = splitList(v)
	}
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		c.Infra.Zookeeper.Servers = splitList(v)
	}
	if v := getEnv("HTTP_PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Service.Port = port
		}
	}
}

// Validate 检查配置之间的约束
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("config: invalid service.port %d", c.Service.Port)
	}
	if c.Infra.MySQL.DSN == "" {
		return fmt.Errorf("config: infra.mysql.dsn is required")
	}

	switch c.Stock.Ledger.Driver {
	case "redis":
		if c.Infra.Redis.Addrs == "" {
			return fmt.Errorf("config: infra.redis.addrs is required for the redis ledger")
		}
	case "noop":
	default:
		return fmt.Errorf("config: unknown stock.ledger.driver %q", c.Stock.Ledger.Driver)
	}

	switch c.Stock.Reconciler.Lock {
	case "local":
	case "zookeeper":
		if len(c.Infra.Zookeeper.Servers) == 0 {
			return fmt.Errorf("config: infra.zookeeper.servers is required for the zookeeper lock")
		}
	default:
		return fmt.Errorf("config: unknown stock.reconciler.lock %q", c.Stock.Reconciler.Lock)
	}

	durations := map[string]time.Duration{
		"stock.hold.default_ttl":    c.Stock.Hold.DefaultTTL,
		"stock.checkout.timeout":    c.Stock.Checkout.Timeout,
		"stock.sweeper.interval":    c.Stock.Sweeper.Interval,
		"stock.reconciler.interval": c.Stock.Reconciler.Interval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.Stock.Hold.MaxTTL < c.Stock.Hold.DefaultTTL {
		return fmt.Errorf("config: stock.hold.max_ttl %s is shorter than default_ttl %s", c.Stock.Hold.MaxTTL, c.Stock.Hold.DefaultTTL)
	}
	if c.Stock.Sweeper.Batch <= 0 {
		return fmt.Errorf("config: stock.sweeper.batch must be positive")
	}
	if c.Stock.Reconciler.MaxPairs < 0 {
		return fmt.Errorf("config: stock.reconciler.max_pairs must not be negative")
	}
	if c.Infra.Kafka.Enabled && (len(c.Infra.Kafka.Brokers) == 0 || c.Infra.Kafka.CartSessionTopic == "") {
		return fmt.Errorf("config: kafka brokers and cart_session_topic are required when kafka is enabled")
	}
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
