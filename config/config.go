package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Session SessionConfig `mapstructure:"session"`
	Model   ModelConfig   `mapstructure:"model"`
	Mask    MaskConfig    `mapstructure:"mask"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// SessionConfig 交互式选区会话配置
type SessionConfig struct {
	// Mode 为 region（自动分割区域点选）或 point（提示点分割）
	Mode           string        `mapstructure:"mode"`
	WorkingSide    int           `mapstructure:"working_side"`
	RenderCacheTTL time.Duration `mapstructure:"render_cache_ttl"`
}

// ModelConfig 分割模型后端配置
type ModelConfig struct {
	// Backend 为 sam（外部推理服务）或 local（OpenCV GrabCut/显著性）
	Backend        string        `mapstructure:"backend"`
	Endpoint       string        `mapstructure:"endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	QueueTimeout   int           `mapstructure:"queue_timeout"`
	Iterations     int           `mapstructure:"iterations"`
	SeedRadius     int           `mapstructure:"seed_radius"`
}

// MaskConfig 掩码后处理与合成参数
type MaskConfig struct {
	KernelSize   int     `mapstructure:"kernel_size"`
	MedianSize   int     `mapstructure:"median_size"`
	BlurSize     int     `mapstructure:"blur_size"`
	Threshold    float32 `mapstructure:"threshold"`
	DarkenFactor float64 `mapstructure:"darken_factor"`
	OutlineGray  uint8   `mapstructure:"outline_gray"`
	OutlineWidth int     `mapstructure:"outline_width"`
	SoftEdge     bool    `mapstructure:"soft_edge"`
	SoftBlurSize int     `mapstructure:"soft_blur_size"`
	LinearResize bool    `mapstructure:"linear_resize"`
	KeepLargest  bool    `mapstructure:"keep_largest"`
}

const (
	ModeRegion = "region"
	ModePoint  = "point"

	BackendSAM   = "sam"
	BackendLocal = "local"
)

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MASKKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// New 使用给定路径加载配置，失败时回退到默认配置
func New(configPath string) *Config {
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := Load(configPath)
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate 校验枚举型配置项
func (c *Config) Validate() error {
	switch c.Session.Mode {
	case ModeRegion, ModePoint:
	default:
		return fmt.Errorf("invalid session mode %q", c.Session.Mode)
	}
	switch c.Model.Backend {
	case BackendSAM, BackendLocal:
	default:
		return fmt.Errorf("invalid model backend %q", c.Model.Backend)
	}
	if c.Mask.KernelSize < 1 {
		return fmt.Errorf("mask kernel_size must be positive, got %d", c.Mask.KernelSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_types", d.Upload.AllowedTypes)

	v.SetDefault("session.mode", d.Session.Mode)
	v.SetDefault("session.working_side", d.Session.WorkingSide)
	v.SetDefault("session.render_cache_ttl", d.Session.RenderCacheTTL)

	v.SetDefault("model.backend", d.Model.Backend)
	v.SetDefault("model.endpoint", d.Model.Endpoint)
	v.SetDefault("model.request_timeout", d.Model.RequestTimeout)
	v.SetDefault("model.max_concurrent", d.Model.MaxConcurrent)
	v.SetDefault("model.queue_timeout", d.Model.QueueTimeout)
	v.SetDefault("model.iterations", d.Model.Iterations)
	v.SetDefault("model.seed_radius", d.Model.SeedRadius)

	v.SetDefault("mask.kernel_size", d.Mask.KernelSize)
	v.SetDefault("mask.median_size", d.Mask.MedianSize)
	v.SetDefault("mask.blur_size", d.Mask.BlurSize)
	v.SetDefault("mask.threshold", d.Mask.Threshold)
	v.SetDefault("mask.darken_factor", d.Mask.DarkenFactor)
	v.SetDefault("mask.outline_gray", d.Mask.OutlineGray)
	v.SetDefault("mask.outline_width", d.Mask.OutlineWidth)
	v.SetDefault("mask.soft_edge", d.Mask.SoftEdge)
	v.SetDefault("mask.soft_blur_size", d.Mask.SoftBlurSize)
	v.SetDefault("mask.linear_resize", d.Mask.LinearResize)
	v.SetDefault("mask.keep_largest", d.Mask.KeepLargest)
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Redis: RedisConfig{
			Enabled:  true,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      24 * time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      10 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg"},
		},
		Session: SessionConfig{
			Mode:           ModeRegion,
			WorkingSide:    1024,
			RenderCacheTTL: 10 * time.Minute,
		},
		Model: ModelConfig{
			Backend:        BackendSAM,
			Endpoint:       "http://localhost:5000",
			RequestTimeout: 120 * time.Second,
			MaxConcurrent:  1,
			QueueTimeout:   60,
			Iterations:     5,
			SeedRadius:     6,
		},
		Mask: DefaultMask(),
	}
}

// DefaultMask 返回默认的掩码处理参数
func DefaultMask() MaskConfig {
	return MaskConfig{
		KernelSize:   5,
		MedianSize:   0,
		BlurSize:     5,
		Threshold:    128,
		DarkenFactor: 0.5,
		OutlineGray:  128,
		OutlineWidth: 2,
		SoftEdge:     false,
		SoftBlurSize: 7,
		LinearResize: false,
		KeepLargest:  false,
	}
}
