package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Broker    BrokerConfig
	Gateway   GatewayConfig
	Safety    SafetyConfig
	Reconcile ReconcileConfig
	Slicer    SlicerConfig
	Storage   StorageConfig
	Runtime   RuntimeConfig
}

type BrokerConfig struct {
	BaseUrl       string
	WSUrl         string
	ApiKey        string
	Secret        string
	WebhookSecret string
	Timeout       time.Duration
}

type GatewayConfig struct {
	ListenAddr string
}

type SafetyConfig struct {
	MaxOrderNotional  float64
	MaxOrderQty       float64
	MaxADVFraction    float64
	PriceStalenessMax time.Duration
	CheckTimeout      time.Duration
	MutationInterval  time.Duration
	QuietPeriod       time.Duration
}

type ReconcileConfig struct {
	PollInterval  time.Duration
	PageSize      int
	OverlapWindow time.Duration
}

type SlicerConfig struct {
	TickInterval time.Duration
	MisfireGrace time.Duration
}

type StorageConfig struct {
	PostgresDSN string
}

type RuntimeConfig struct {
	DryRun bool
	Log    LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	viper.SetDefault("broker.timeout", "15s")
	viper.SetDefault("safety.check_timeout", "2s")
	viper.SetDefault("safety.mutation_interval", "1m")
	viper.SetDefault("safety.quiet_period", "5m")
	viper.SetDefault("safety.price_staleness_max", "30s")
	viper.SetDefault("reconcile.poll_interval", "30s")
	viper.SetDefault("reconcile.page_size", 100)
	viper.SetDefault("reconcile.overlap_window", "2m")
	viper.SetDefault("slicer.tick_interval", "1s")
	viper.SetDefault("slicer.misfire_grace", "30s")
	viper.SetDefault("gateway.listen_addr", ":8080")

	cfg.Broker = BrokerConfig{
		BaseUrl:       viper.GetString("broker.base_url"),
		WSUrl:         viper.GetString("broker.ws_url"),
		ApiKey:        envSub("broker.api_key"),
		Secret:        envSub("broker.secret"),
		WebhookSecret: envSub("broker.webhook_secret"),
		Timeout:       viper.GetDuration("broker.timeout"),
	}

	cfg.Gateway = GatewayConfig{
		ListenAddr: viper.GetString("gateway.listen_addr"),
	}

	cfg.Safety = SafetyConfig{
		MaxOrderNotional:  viper.GetFloat64("safety.max_order_notional"),
		MaxOrderQty:       viper.GetFloat64("safety.max_order_qty"),
		MaxADVFraction:    viper.GetFloat64("safety.max_adv_fraction"),
		PriceStalenessMax: viper.GetDuration("safety.price_staleness_max"),
		CheckTimeout:      viper.GetDuration("safety.check_timeout"),
		MutationInterval:  viper.GetDuration("safety.mutation_interval"),
		QuietPeriod:       viper.GetDuration("safety.quiet_period"),
	}

	cfg.Reconcile = ReconcileConfig{
		PollInterval:  viper.GetDuration("reconcile.poll_interval"),
		PageSize:      viper.GetInt("reconcile.page_size"),
		OverlapWindow: viper.GetDuration("reconcile.overlap_window"),
	}

	cfg.Slicer = SlicerConfig{
		TickInterval: viper.GetDuration("slicer.tick_interval"),
		MisfireGrace: viper.GetDuration("slicer.misfire_grace"),
	}

	cfg.Storage = StorageConfig{
		PostgresDSN: envSub("storage.postgres_dsn"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun: viper.GetBool("runtime.dry_run"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	return cfg, nil
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
