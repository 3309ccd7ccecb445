package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingInstanceName 生产环境必须显式设置 INSTANCE_NAME
var ErrMissingInstanceName = errors.New("no instance name specified")

type Config struct {
	InstanceName string
	Contact      string
	Production   bool

	RPCHost      string
	RPCURL       string
	RPCTimeout   time.Duration
	RPCRateLimit int
	MetadataURL  string // 候选节点列表（空=禁用）

	WSServer string
	WSPath   string
	WSSecret string

	UpdateInterval        time.Duration
	PingInterval          time.Duration
	ConnectionRetryDelay  time.Duration // 线性退避基数
	MaxConnectionAttempts int

	SinkReconnectRetries int
	SinkReconnectMin     time.Duration
	SinkReconnectMax     time.Duration
	SinkTimeout          time.Duration

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func Load() *Config {
	_ = godotenv.Load() // .env文件是可选的

	rpcHost := getEnv("RPC_HOST", "localhost")

	return &Config{
		InstanceName: getEnv("INSTANCE_NAME", ""),
		Contact:      getEnv("CONTACT_DETAILS", ""),
		Production:   getEnv("APP_ENV", "") == "production",

		RPCHost:      rpcHost,
		RPCURL:       getEnv("RPC_URL", "http://"+rpcHost+":8545"),
		RPCTimeout:   time.Duration(getEnvAsInt64("RPC_TIMEOUT_SECONDS", 10)) * time.Second,
		RPCRateLimit: int(getEnvAsInt64("RPC_RATE_LIMIT", 50)),
		MetadataURL:  getEnv("METADATA_URL", "http://"+rpcHost+":8669/staking/candidates"),

		WSServer: strings.TrimRight(getEnv("WS_SERVER", "ws://localhost:3000"), "/"),
		WSPath:   getEnv("WS_PATH", "/api"),
		WSSecret: getEnv("WS_SECRET", "netstatssecret"),

		UpdateInterval:        getEnvAsMillis("UPDATE_INTERVAL_MS", 5000),
		PingInterval:          getEnvAsMillis("PING_INTERVAL_MS", 30000),
		ConnectionRetryDelay:  getEnvAsMillis("CONNECTION_RETRY_MS", 500),
		MaxConnectionAttempts: int(getEnvAsInt64("MAX_CONNECTION_ATTEMPTS", 500000)),

		SinkReconnectRetries: int(getEnvAsInt64("SINK_RECONNECT_RETRIES", 1000000)),
		SinkReconnectMin:     getEnvAsMillis("SINK_RECONNECT_MIN_MS", 150),
		SinkReconnectMax:     getEnvAsMillis("SINK_RECONNECT_MAX_MS", 150),
		SinkTimeout:          getEnvAsMillis("SINK_TIMEOUT_MS", 120000),

		MetricsAddr: getEnv("METRICS_ADDR", ":9100"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
}

// Validate 启动前校验
func (c *Config) Validate() error {
	if c.Production && c.InstanceName == "" {
		return ErrMissingInstanceName
	}
	return nil
}

// SinkURL 拼接采集端完整地址
func (c *Config) SinkURL() string {
	path := c.WSPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.WSServer + path
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		log.Printf("Invalid %s: %s, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsMillis(key string, defaultMillis int64) time.Duration {
	return time.Duration(getEnvAsInt64(key, defaultMillis)) * time.Millisecond
}
