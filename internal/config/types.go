package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	MarginMode string      `mapstructure:"margin_mode"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 控制只读查询的重试机制，下单与撤单不重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// EngineConfig 控制触发单引擎。
type EngineConfig struct {
	Symbols                  []string      `mapstructure:"symbols"`
	Shards                   int           `mapstructure:"shards"`
	QueueSize                int           `mapstructure:"queue_size"`
	AllowConditionalStacking bool          `mapstructure:"allow_conditional_stacking"`
	HistoryLimit             int           `mapstructure:"history_limit"`
	OrderType                string        `mapstructure:"order_type"`
	LimitSlippage            float64       `mapstructure:"limit_slippage"`
	SubmitTimeout            time.Duration `mapstructure:"submit_timeout"`
}

// InstrumentRisk 为单个标的的初始风控参数。
type InstrumentRisk struct {
	Symbol        string  `mapstructure:"symbol"`
	StopLossPct   float64 `mapstructure:"stoploss_pct"`
	TakeProfitPct float64 `mapstructure:"takeprofit_pct"`
	TrailingPct   float64 `mapstructure:"trailing_pct"`
	Leverage      float64 `mapstructure:"leverage"`
}

// RiskConfig 管理启动时显式下发的风控参数。
type RiskConfig struct {
	Instruments []InstrumentRisk `mapstructure:"instruments"`
}

// FeedConfig 控制行情、仓位与订单轮询节奏。
type FeedConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	PositionInterval time.Duration `mapstructure:"position_interval"`
	OrderInterval    time.Duration `mapstructure:"order_interval"`
}

// DatabaseConfig 管理审计日志数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制运维 HTTP 接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ProfilingConfig 控制 pyroscope 持续剖析。
type ProfilingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ApplicationName string `mapstructure:"application_name"`
	ServerAddress   string `mapstructure:"server_address"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if !strings.EqualFold(c.Exchange.Name, "okx") {
		err = multierr.Append(err, fmt.Errorf("exchange.name 暂不支持 %q", c.Exchange.Name))
	}
	switch c.Exchange.MarginMode {
	case "cross", "isolated":
	default:
		err = multierr.Append(err, errors.New("exchange.margin_mode 只能为 cross 或 isolated"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if len(c.Engine.Symbols) == 0 {
		err = multierr.Append(err, errors.New("engine.symbols 至少包含一个标的"))
	}
	if c.Engine.Shards <= 0 {
		err = multierr.Append(err, errors.New("engine.shards 必须大于0"))
	}
	if c.Engine.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("engine.queue_size 必须大于0"))
	}
	if c.Engine.HistoryLimit < 0 {
		err = multierr.Append(err, errors.New("engine.history_limit 不能为负"))
	}
	switch c.Engine.OrderType {
	case "market", "limit":
	default:
		err = multierr.Append(err, errors.New("engine.order_type 只能为 market 或 limit"))
	}
	if c.Engine.LimitSlippage < 0 || c.Engine.LimitSlippage > 0.2 {
		err = multierr.Append(err, errors.New("engine.limit_slippage 应位于[0,0.2]"))
	}
	if c.Engine.SubmitTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.submit_timeout 必须大于0"))
	}

	known := make(map[string]struct{}, len(c.Engine.Symbols))
	for _, s := range c.Engine.Symbols {
		known[s] = struct{}{}
	}
	for i, inst := range c.Risk.Instruments {
		if _, ok := known[inst.Symbol]; !ok {
			err = multierr.Append(err, fmt.Errorf("risk.instruments[%d].symbol %q 不在 engine.symbols 中", i, inst.Symbol))
		}
		for name, v := range map[string]float64{
			"stoploss_pct":   inst.StopLossPct,
			"takeprofit_pct": inst.TakeProfitPct,
			"trailing_pct":   inst.TrailingPct,
			"leverage":       inst.Leverage,
		} {
			if math.IsNaN(v) || v < 0 {
				err = multierr.Append(err, fmt.Errorf("risk.instruments[%d].%s 不能为负", i, name))
			}
		}
	}

	if c.Feed.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("feed.tick_interval 必须大于0"))
	}
	if c.Feed.PositionInterval <= 0 {
		err = multierr.Append(err, errors.New("feed.position_interval 必须大于0"))
	}
	if c.Feed.OrderInterval <= 0 {
		err = multierr.Append(err, errors.New("feed.order_interval 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		err = multierr.Append(err, errors.New("profiling.server_address 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
