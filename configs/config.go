// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package configs

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 存储所有应用程序的配置

type Config struct {
	Server ServerConfig `mapstructure:"server"`

	BackendURL string `mapstructure:"backend_url"`

	KeySet KeySetConfig `mapstructure:"key_set"`

	Idempotency IdempotencyConfig `mapstructure:"idempotency"`

	Metrics MetricsConfig `mapstructure:"metrics"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig 存储日志相关的配置

type LogConfig struct {
	LogLevel string `mapstructure:"level"`

	OutputPaths []string `mapstructure:"output_paths"`

	Format string `mapstructure:"format"` // "text" or "json"
}

// ServerConfig 存储服务器相关的配置

type ServerConfig struct {
	Port string `mapstructure:"port"`

	TLSCertPath string `mapstructure:"tls_cert_path"`

	TLSKeyPath string `mapstructure:"tls_key_path"`

	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// ShutdownTimeout 返回优雅关闭的超时时间
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// KeySetConfig 存储键集合相关的配置

type KeySetConfig struct {
	Lifetime string `mapstructure:"lifetime"` // "singleton" or "scoped"

	DefaultTTLMillis int `mapstructure:"default_ttl_ms"`

	MaxTTLMillis int `mapstructure:"max_ttl_ms"`
}

// MaxDurationMillis 是可以无溢出转换为 time.Duration 的最大毫秒数
const MaxDurationMillis int64 = math.MaxInt64 / int64(time.Millisecond)

// Millis 将毫秒数转换为 time.Duration，超出范围时截断为 math.MaxInt64
func Millis(ms int64) time.Duration {
	if ms > MaxDurationMillis {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// DefaultTTL 返回未显式指定时使用的 TTL
func (k KeySetConfig) DefaultTTL() time.Duration {
	return Millis(int64(k.DefaultTTLMillis))
}

// MaxTTL 返回允许的最大 TTL，0 表示不限制
func (k KeySetConfig) MaxTTL() time.Duration {
	return Millis(int64(k.MaxTTLMillis))
}

// Validate 检查 TTL 配置的取值范围
func (k KeySetConfig) Validate() error {
	if k.DefaultTTLMillis < 0 {
		return fmt.Errorf("key_set.default_ttl_ms 不能为负数: %d", k.DefaultTTLMillis)
	}
	if k.MaxTTLMillis < 0 {
		return fmt.Errorf("key_set.max_ttl_ms 不能为负数: %d", k.MaxTTLMillis)
	}
	if int64(k.DefaultTTLMillis) > MaxDurationMillis {
		return fmt.Errorf("key_set.default_ttl_ms 超出范围: %d", k.DefaultTTLMillis)
	}
	if int64(k.MaxTTLMillis) > MaxDurationMillis {
		return fmt.Errorf("key_set.max_ttl_ms 超出范围: %d", k.MaxTTLMillis)
	}
	if k.MaxTTLMillis > 0 && k.DefaultTTLMillis > k.MaxTTLMillis {
		return fmt.Errorf("key_set.default_ttl_ms (%d) 超过 max_ttl_ms (%d)", k.DefaultTTLMillis, k.MaxTTLMillis)
	}
	return nil
}

// IdempotencyConfig 存储幂等键中间件相关的配置

type IdempotencyConfig struct {
	Enabled bool `mapstructure:"enabled"`

	Header string `mapstructure:"header"`

	ScopeHeader string `mapstructure:"scope_header"`

	Methods []string `mapstructure:"methods"`

	ReleaseOnError bool `mapstructure:"release_on_error"`
}

// MetricsConfig 存储指标输出相关的配置

type MetricsConfig struct {
	LogIntervalSeconds int `mapstructure:"log_interval_seconds"`
}

// LogInterval 返回指标日志的输出间隔，0 表示关闭
func (m MetricsConfig) LogInterval() time.Duration {
	return time.Duration(m.LogIntervalSeconds) * time.Second
}

// LoadConfig 从文件和环境变量中读取配置

func LoadConfig() (config Config, err error) {

	v := viper.New()

	// 设置默认值

	v.SetDefault("server.port", "8080")

	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("backend_url", "http://localhost:3000")

	v.SetDefault("log.level", "info")

	v.SetDefault("log.output_paths", []string{"stdout"}) // 默认输出到标准输出

	v.SetDefault("log.format", "text")

	// KeySet 默认配置

	v.SetDefault("key_set.lifetime", "singleton")

	v.SetDefault("key_set.default_ttl_ms", 60000) // 1 minute

	v.SetDefault("key_set.max_ttl_ms", 86400000) // 24 hours

	// 幂等键中间件默认配置

	v.SetDefault("idempotency.enabled", true)

	v.SetDefault("idempotency.header", "Idempotency-Key")

	v.SetDefault("idempotency.scope_header", "X-Client-ID")

	v.SetDefault("idempotency.methods", []string{"POST", "PUT", "PATCH", "DELETE"})

	v.SetDefault("idempotency.release_on_error", true)

	v.SetDefault("metrics.log_interval_seconds", 0)

	// 从配置文件加载

	v.SetConfigName("config") // 配置文件名 (不带扩展名)

	v.SetConfigType("yaml") // 配置文件类型

	v.AddConfigPath("./configs") // 配置文件路径

	v.AddConfigPath(".") // 可选的当前目录路径

	// 读取配置文件

	err = v.ReadInConfig()

	if err != nil {

		if _, ok := err.(viper.ConfigFileNotFoundError); ok {

			// 配置文件未找到是可接受的，因为可以使用环境变量

			log.Printf("DEBUG: 配置文件未找到，将使用默认值和环境变量：%v", err)

			err = nil

		} else {

			// 配置文件被找到但解析错误

			log.Printf("ERROR: 读取配置文件失败，文件存在但解析错误：%v", err)

			return config, err

		}

	} else {

		log.Printf("DEBUG: 成功加载配置文件：%s", v.ConfigFileUsed())

	}

	// 启用环境变量绑定

	v.SetEnvPrefix("KEYGUARD")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// 将配置解组到结构体

	err = v.Unmarshal(&config)

	return

}
