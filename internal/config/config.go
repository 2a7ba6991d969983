package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr          = ":8080"
	defaultRedisAddr     = "localhost:6379"
	defaultBlobPath      = "./data/blobs"
	defaultAssistantName = "Gemini"
	defaultMessageWindow = 200
	defaultMaxImageBytes = 5 * 1024 * 1024
	defaultGenTimeout    = 60 * time.Second
	defaultSignInRPS     = 5
	defaultSignInBurst   = 10
)

type Config struct {
	Addr      string `yaml:"addr"`
	DBDSN     string `yaml:"db_dsn"`
	JWTSecret string `yaml:"jwt_secret"`
	RedisAddr string `yaml:"redis_addr"`
	BlobPath  string `yaml:"blob_path"`
	LogLevel  string `yaml:"log_level"`

	Generation GenerationConfig `yaml:"generation"`
	Chat       ChatConfig       `yaml:"chat"`
	SignIn     SignInConfig     `yaml:"sign_in"`
}

type GenerationConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ChatConfig struct {
	AssistantName string `yaml:"assistant_name"`
	// MessageWindow caps how many of the latest messages a stream loads.
	MessageWindow int `yaml:"message_window"`
	MaxImageBytes int `yaml:"max_image_bytes"`
	// GuestMessageQuota is the number of messages a guest may
	// send; zero means unlimited.
	GuestMessageQuota int `yaml:"guest_message_quota"`
}

type SignInConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load builds the configuration from an optional YAML file, the process
// environment and an optional .env file, in increasing order of precedence
// for the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.DBDSN, "DB_DSN")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.BlobPath, "BLOB_PATH")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setString(&cfg.Generation.Endpoint, "GENERATION_ENDPOINT")
	setString(&cfg.Generation.APIKey, "GENERATION_API_KEY")
	setString(&cfg.Generation.Model, "GENERATION_MODEL")
	setString(&cfg.Chat.AssistantName, "ASSISTANT_NAME")

	return errors.Join(
		setDuration(&cfg.Generation.Timeout, "GENERATION_TIMEOUT"),
		setInt(&cfg.Chat.MessageWindow, "MESSAGE_WINDOW"),
		setInt(&cfg.Chat.MaxImageBytes, "MAX_IMAGE_BYTES"),
		setInt(&cfg.Chat.GuestMessageQuota, "GUEST_MESSAGE_QUOTA"),
	)
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.RedisAddr == "" {
		c.RedisAddr = defaultRedisAddr
	}
	if c.BlobPath == "" {
		c.BlobPath = defaultBlobPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Generation.Timeout <= 0 {
		c.Generation.Timeout = defaultGenTimeout
	}
	if c.Chat.AssistantName == "" {
		c.Chat.AssistantName = defaultAssistantName
	}
	if c.Chat.MessageWindow <= 0 {
		c.Chat.MessageWindow = defaultMessageWindow
	}
	if c.Chat.MaxImageBytes <= 0 {
		c.Chat.MaxImageBytes = defaultMaxImageBytes
	}
	if c.SignIn.RPS <= 0 {
		c.SignIn.RPS = defaultSignInRPS
	}
	if c.SignIn.Burst <= 0 {
		c.SignIn.Burst = defaultSignInBurst
	}
}

// Validate reports the first missing or invalid setting.
func (c *Config) Validate() error {
	if c.DBDSN == "" {
		return errors.New("DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.Chat.GuestMessageQuota < 0 {
		return errors.New("guest_message_quota must not be negative")
	}
	if c.Generation.Endpoint != "" && !strings.HasPrefix(c.Generation.Endpoint, "http") {
		return fmt.Errorf("generation endpoint must be an http(s) URL: %q", c.Generation.Endpoint)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %q", key, v)
	}
	*dst = i
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration such as 30s: %q", key, v)
	}
	*dst = d
	return nil
}
