package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	// NodeID is the snowflake node of this process (0-1023).
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Enable         bool          `mapstructure:"ENABLE"`
		Addr           string        `mapstructure:"ADDR"`
		MetricInterval time.Duration `mapstructure:"METRIC_INTERVAL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Enable bool   `mapstructure:"ENABLE"`
		Addr   string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Internal struct {
		// ServiceToken authenticates internal callers such as the payment service.
		// Internal routes reject every request while it is empty.
		ServiceToken string `mapstructure:"SERVICE_TOKEN"`
	} `mapstructure:"INTERNAL"`
	Vault struct {
		Enable    bool   `mapstructure:"ENABLE"`
		MountPath string `mapstructure:"MOUNT_PATH"`
	} `mapstructure:"VAULT"`
	Promotions Promotions `mapstructure:"PROMOTIONS"`
}

// Promotions holds the knobs of the voucher and gift card engines.
type Promotions struct {
	Currency              string        `mapstructure:"CURRENCY"`
	PinLength             int           `mapstructure:"PIN_LENGTH"`
	BcryptCost            int           `mapstructure:"BCRYPT_COST"`
	CodeMaxAttempts       int           `mapstructure:"CODE_MAX_ATTEMPTS"`
	TxMaxAttempts         int           `mapstructure:"TX_MAX_ATTEMPTS"`
	PinMaxFailures        int           `mapstructure:"PIN_MAX_FAILURES"`
	PinLockWindow         time.Duration `mapstructure:"PIN_LOCK_WINDOW"`
	DefaultValidityMonths int           `mapstructure:"DEFAULT_VALIDITY_MONTHS"`
	TemplateCacheTTL      time.Duration `mapstructure:"TEMPLATE_CACHE_TTL"`
}

// DefaultPromotions mirrors the values applied by setDefaults.
func DefaultPromotions() Promotions {
	return Promotions{
		Currency:              "QAR",
		PinLength:             6,
		BcryptCost:            10,
		CodeMaxAttempts:       5,
		TxMaxAttempts:         3,
		PinMaxFailures:        5,
		PinLockWindow:         15 * time.Minute,
		DefaultValidityMonths: 12,
		TemplateCacheTTL:      time.Minute,
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	d := DefaultPromotions()
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "promotions-ledger")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("VAULT.MOUNT_PATH", "secret")
	v.SetDefault("INTERNAL.SERVICE_TOKEN", "")
	v.SetDefault("OTEL.METRIC_INTERVAL", 30*time.Second)
	v.SetDefault("PROMOTIONS.CURRENCY", d.Currency)
	v.SetDefault("PROMOTIONS.PIN_LENGTH", d.PinLength)
	v.SetDefault("PROMOTIONS.BCRYPT_COST", d.BcryptCost)
	v.SetDefault("PROMOTIONS.CODE_MAX_ATTEMPTS", d.CodeMaxAttempts)
	v.SetDefault("PROMOTIONS.TX_MAX_ATTEMPTS", d.TxMaxAttempts)
	v.SetDefault("PROMOTIONS.PIN_MAX_FAILURES", d.PinMaxFailures)
	v.SetDefault("PROMOTIONS.PIN_LOCK_WINDOW", d.PinLockWindow)
	v.SetDefault("PROMOTIONS.DEFAULT_VALIDITY_MONTHS", d.DefaultValidityMonths)
	v.SetDefault("PROMOTIONS.TEMPLATE_CACHE_TTL", d.TemplateCacheTTL)
}

// Load reads config.yaml from the given paths, then environment variables
// (PROMOTIONS.PIN_LENGTH is read from PROMOTIONS_PIN_LENGTH). A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load()
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil && cfg.Vault.Enable {
		if err := overlayVault(context.Background(), p.Vault, cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return cfg
}

// overlayVault replaces credentials with the values stored under secret/<APP_ENV>.
func overlayVault(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath(cfg.Vault.MountPath))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Internal.ServiceToken = get("service_token", cfg.Internal.ServiceToken)

	return nil
}
