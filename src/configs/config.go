package configs

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
		Auth struct {
			Enabled bool   `yaml:"enabled"`
			Token   string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogLevel string `yaml:"log_level"`
		LogDir   string `yaml:"log_dir"`
		LogFile  string `yaml:"log_file"`
	} `yaml:"log"`

	// Upload 上传限制
	Upload struct {
		MaxFileSize int64 `yaml:"max_file_size"` // 单个文件最大字节数
		MaxFiles    int   `yaml:"max_files"`     // 单次请求最多文件数
	} `yaml:"upload"`

	// Assistant 远端助手服务配置
	Assistant struct {
		BaseURL        string `yaml:"base_url"`         // API地址
		RequestTimeout int    `yaml:"request_timeout"`  // 单次HTTP请求超时（秒）
		PollInterval   int    `yaml:"poll_interval_ms"` // run状态轮询间隔（毫秒）
		PollTimeout    int    `yaml:"poll_timeout"`     // 轮询总超时（秒），0表示不限制
		CleanupTimeout int    `yaml:"cleanup_timeout"`  // 清理阶段超时（秒）
	} `yaml:"assistant"`

	Security SecurityConfig `yaml:"security"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`    // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`       // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`        // 最大宽度
	MaxHeight      int      `yaml:"max_height"`       // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"`  // 允许的图片格式
	EnableDeepScan bool     `yaml:"enable_deep_scan"` // 启用深度安全扫描
}

// LoadConfig 从文件加载配置,默认优先.config.yaml
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, path, err
	}
	config.applyDefaults()

	return config, path, nil
}

// applyDefaults 对零值字段填充默认配置
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
	if c.Log.LogDir == "" {
		c.Log.LogDir = "logs"
	}
	if c.Log.LogFile == "" {
		c.Log.LogFile = "server.log"
	}
	if c.Upload.MaxFileSize == 0 {
		c.Upload.MaxFileSize = 10 * 1024 * 1024
	}
	if c.Upload.MaxFiles == 0 {
		c.Upload.MaxFiles = 10
	}
	if c.Assistant.BaseURL == "" {
		c.Assistant.BaseURL = "https://api.openai.com/v1"
	}
	if c.Assistant.RequestTimeout == 0 {
		c.Assistant.RequestTimeout = 60
	}
	if c.Assistant.PollInterval == 0 {
		c.Assistant.PollInterval = 1000
	}
	if c.Assistant.PollTimeout == 0 {
		c.Assistant.PollTimeout = 300
	}
	if c.Assistant.CleanupTimeout == 0 {
		c.Assistant.CleanupTimeout = 30
	}
	if c.Security.MaxFileSize == 0 {
		c.Security.MaxFileSize = c.Upload.MaxFileSize
	}
	if c.Security.MaxPixels == 0 {
		c.Security.MaxPixels = 50_000_000
	}
	if c.Security.MaxWidth == 0 {
		c.Security.MaxWidth = 12000
	}
	if c.Security.MaxHeight == 0 {
		c.Security.MaxHeight = 12000
	}
	if len(c.Security.AllowedFormats) == 0 {
		c.Security.AllowedFormats = []string{"jpeg", "jpg", "png", "gif", "webp", "bmp"}
	}
}
