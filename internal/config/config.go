package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cozy-creator/caption-server/internal/templates"
	"github.com/cozy-creator/caption-server/internal/utils/pathutil"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const captionPrefix = "CAPTION"

type Config struct {
	Port          int                `mapstructure:"port"`
	Host          string             `mapstructure:"host"`
	Environment   string             `mapstructure:"environment"`
	CaptionHome   string             `mapstructure:"caption_home"`
	CacheDir      string             `mapstructure:"cache_dir"`
	PublicDir     string             `mapstructure:"public_dir"`
	HFToken       string             `mapstructure:"hf_token"`
	BodyLimitMB   int64              `mapstructure:"body_limit_mb"`
	WSReadLimitMB int64              `mapstructure:"ws_read_limit_mb"`
	PingTimeout   time.Duration      `mapstructure:"ping_timeout"`
	OnnxRuntime   *OnnxRuntimeConfig `mapstructure:"onnxruntime"`
}

type OnnxRuntimeConfig struct {
	LibraryPath string `mapstructure:"library_path"`
	Threads     int    `mapstructure:"threads"`
}

var config *Config

// LoadEnvAndConfigFiles resolves the caption home, loads the .env and
// config.yaml found there (creating them from templates on first run) and
// unmarshals the result into the process config.
func LoadEnvAndConfigFiles() error {
	captionHome, err := getCaptionHome()
	if err != nil {
		return err
	}

	cacheDir, err := getCacheDir(captionHome)
	if err != nil {
		return err
	}

	viper.Set("caption_home", captionHome)
	viper.Set("cache_dir", cacheDir)

	if err := createCaptionHomeDirs(captionHome, cacheDir); err != nil {
		return err
	}

	envFile := viper.GetString("env_file")
	if envFile == "" {
		envFile = filepath.Join(captionHome, ".env")
	}
	configFile := viper.GetString("config_file")
	if configFile == "" {
		configFile = filepath.Join(captionHome, "config.yaml")
	}

	if _, err := os.Stat(envFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat .env file: %w", err)
		}

		if err := templates.WriteEnv(envFile); err != nil {
			return fmt.Errorf("failed to create .env file: %w", err)
		}
	}

	if _, err := os.Stat(configFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config.yaml file: %w", err)
		}

		if err := templates.WriteConfig(configFile); err != nil {
			return fmt.Errorf("failed to create config.yaml file: %w", err)
		}
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	viper.SetEnvPrefix(captionPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`, `-`, `_`))
	viper.AutomaticEnv()
	viper.SetConfigFile(configFile)

	if err := LoadConfig(true); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			fmt.Println("No config file found. Using default config.")
		} else {
			return err
		}
	}

	return nil
}

func LoadConfig(reload bool) error {
	if config != nil && !reload {
		return ErrConfigAlreadyLoaded
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	cfg, err := Unmarshal()
	if err != nil {
		return err
	}

	config = cfg
	return nil
}

// Unmarshal reads the current viper state into a fresh Config and fills in
// defaults for anything left unset.
func Unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	cfg.applyDefaults()

	publicDir, err := pathutil.ResolvePath(cfg.PublicDir)
	if err != nil {
		return nil, fmt.Errorf("invalid public dir: %w", err)
	}
	cfg.PublicDir = publicDir

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.BodyLimitMB <= 0 {
		c.BodyLimitMB = DefaultBodyLimitMB
	}
	if c.WSReadLimitMB <= 0 {
		c.WSReadLimitMB = DefaultBodyLimitMB
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.OnnxRuntime == nil {
		c.OnnxRuntime = &OnnxRuntimeConfig{}
	}
}

func (c *Config) BodyLimit() int64 {
	return c.BodyLimitMB << 20
}

func (c *Config) WSReadLimit() int64 {
	return c.WSReadLimitMB << 20
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func GetConfig() *Config {
	if config == nil {
		panic("config not loaded")
	}

	return config
}

// Returns the caption home directory path.
// It attempts to retrieve the caption home directory from the following sources in order:
// 1. The `caption_home` flag from viper.
// 2. The `CAPTION_HOME` environment variable.
// 3. The default caption home directory.
func getCaptionHome() (string, error) {
	captionHome := viper.GetString("caption_home")
	if captionHome == "" {
		captionHome = os.Getenv("CAPTION_HOME")
		if captionHome == "" {
			captionHome = DefaultCaptionHome
		}
	}

	captionHome, err := pathutil.ExpandPath(captionHome)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCaptionHomeExpandFailed, err)
	}

	return captionHome, nil
}

func getCacheDir(captionHome string) (string, error) {
	if captionHome == "" {
		return "", ErrCaptionHomeNotSet
	}

	cacheDir := viper.GetString("cache_dir")
	if cacheDir == "" {
		cacheDir = filepath.Join(captionHome, "models")
	}

	cacheDir, err := pathutil.ExpandPath(cacheDir)
	if err != nil {
		return "", ErrCaptionHomeExpandFailed
	}

	return cacheDir, nil
}

func createCaptionHomeDirs(captionHome, cacheDir string) error {
	if err := os.MkdirAll(captionHome, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create caption home directory: %w", err)
	}

	if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	return nil
}
