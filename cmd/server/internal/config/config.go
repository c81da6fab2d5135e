package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 统一配置结构
type Config struct {
	Server    ServerConfig
	Data      DataConfig
	Log       LogConfig
	Security  SecurityConfig
	Vault     VaultConfig
	RateLimit RateLimitConfig
	Scoring   ScoringConfig
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Env  string // dev, staging, production
	Port string
}

// DataConfig 数据目录配置
type DataConfig struct {
	PromptsDir   string
	ActorsDir    string
	AuditLogFile string
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWTSecret            string
	OwnerDefaultPassword string
	AdminIPAllowlist     []string
	BypassIPCheck        bool
	SessionMaxAge        time.Duration // 管理会话新鲜度上限，独立于 token 过期
}

// VaultConfig 内容加密配置
// Enabled=false 时存储层必须显式标记明文，禁止静默降级
type VaultConfig struct {
	Enabled        bool
	MasterSecret   string
	RotationSecret string
	MaxEnvelopeAge time.Duration
}

// RateLimitConfig 限流类别配置
type RateLimitConfig struct {
	General       WindowLimit
	Auth          WindowLimit
	PasswordReset WindowLimit
	TextGen       WindowLimit
	Admin         WindowLimit
	Destructive   WindowLimit
	StepUp        WindowLimit
}

// WindowLimit 单个限流窗口定义
type WindowLimit struct {
	Window time.Duration
	Max    int
}

// ScoringConfig 热度评分权重配置
type ScoringConfig struct {
	UsageWeight   float64
	SuccessWeight float64
	LatencyWeight float64
}

// GlobalConfig 全局配置实例
var GlobalConfig *Config

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Env:  getEnv("ENV", "dev"),
			Port: getEnv("PORT", "8000"),
		},
		Data: DataConfig{
			PromptsDir:   getEnv("PROMPTS_DIR", "./data/prompts"),
			ActorsDir:    getEnv("ACTORS_DIR", "./data/actors"),
			AuditLogFile: getEnv("AUDIT_LOG_FILE", "./data/audit/admin_audit.jsonl"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Security: SecurityConfig{
			JWTSecret:            getEnv("USER_JWT_SECRET", ""),
			OwnerDefaultPassword: getEnv("OWNER_DEFAULT_PASSWORD", ""),
			AdminIPAllowlist:     parseStringList(getEnv("ADMIN_IP_ALLOWLIST", "127.0.0.1,::1,::ffff:127.0.0.1")),
			BypassIPCheck:        getEnvBool("BYPASS_IP_CHECK", false),
			SessionMaxAge:        getEnvDuration("ADMIN_SESSION_MAX_AGE", 2*time.Hour),
		},
		Vault: VaultConfig{
			Enabled:        getEnvBool("VAULT_ENABLED", true),
			MasterSecret:   getEnv("VAULT_MASTER_SECRET", ""),
			RotationSecret: getEnv("VAULT_ROTATION_SECRET", ""),
			MaxEnvelopeAge: getEnvDuration("VAULT_MAX_ENVELOPE_AGE", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			General:       WindowLimit{Window: 15 * time.Minute, Max: getEnvInt("RATE_LIMIT_GENERAL_MAX", 100)},
			Auth:          WindowLimit{Window: 15 * time.Minute, Max: getEnvInt("RATE_LIMIT_AUTH_MAX", 5)},
			PasswordReset: WindowLimit{Window: time.Hour, Max: getEnvInt("RATE_LIMIT_PWRESET_MAX", 3)},
			TextGen:       WindowLimit{Window: time.Minute, Max: getEnvInt("RATE_LIMIT_TEXTGEN_MAX", 10)},
			Admin:         WindowLimit{Window: 15 * time.Minute, Max: getEnvInt("RATE_LIMIT_ADMIN_MAX", 50)},
			Destructive:   WindowLimit{Window: time.Hour, Max: getEnvInt("RATE_LIMIT_DESTRUCTIVE_MAX", 10)},
			StepUp:        WindowLimit{Window: 15 * time.Minute, Max: getEnvInt("RATE_LIMIT_STEPUP_MAX", 5)},
		},
		Scoring: ScoringConfig{
			UsageWeight:   getEnvFloat("SCORE_USAGE_WEIGHT", 0.4),
			SuccessWeight: getEnvFloat("SCORE_SUCCESS_WEIGHT", 0.3),
			LatencyWeight: getEnvFloat("SCORE_LATENCY_WEIGHT", 0.3),
		},
	}

	GlobalConfig = cfg
	return cfg, nil
}

// ValidateConfig 验证配置的有效性
func ValidateConfig(cfg *Config) error {
	var errors []string

	// 1. JWT Secret 验证
	if cfg.Security.JWTSecret == "" {
		errors = append(errors, "USER_JWT_SECRET is required")
	} else if len(cfg.Security.JWTSecret) < 32 {
		errors = append(errors, "USER_JWT_SECRET must be at least 32 characters long")
	}

	// 2. 加密密钥验证（启用加密时必须提供双密钥）
	if cfg.Vault.Enabled {
		if len(cfg.Vault.MasterSecret) < 32 {
			errors = append(errors, "VAULT_MASTER_SECRET must be at least 32 characters long when vault is enabled")
		}
		if len(cfg.Vault.RotationSecret) < 32 {
			errors = append(errors, "VAULT_ROTATION_SECRET must be at least 32 characters long when vault is enabled")
		}
		if cfg.Vault.MasterSecret != "" && cfg.Vault.MasterSecret == cfg.Vault.RotationSecret {
			errors = append(errors, "VAULT_MASTER_SECRET and VAULT_ROTATION_SECRET must differ")
		}
		if cfg.Vault.MaxEnvelopeAge <= 0 {
			errors = append(errors, "VAULT_MAX_ENVELOPE_AGE must be positive")
		}
	} else if cfg.Server.Env == "production" {
		errors = append(errors, "VAULT_ENABLED=false is not allowed in production environment")
	}

	// 3. 生产环境禁止绕过 IP 校验
	if cfg.Server.Env == "production" && cfg.Security.BypassIPCheck {
		errors = append(errors, "BYPASS_IP_CHECK cannot be enabled in production environment")
	}
	if !cfg.Security.BypassIPCheck && len(cfg.Security.AdminIPAllowlist) == 0 {
		errors = append(errors, "ADMIN_IP_ALLOWLIST must not be empty unless BYPASS_IP_CHECK is set")
	}

	// 4. 会话新鲜度上限
	if cfg.Security.SessionMaxAge <= 0 {
		errors = append(errors, "ADMIN_SESSION_MAX_AGE must be positive")
	}

	// 5. 端口验证
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	// 6. 日志级别验证
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errors = append(errors, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}

	// 7. 日志格式验证
	validLogFormats := map[string]bool{"console": true, "json": true}
	if !validLogFormats[cfg.Log.Format] {
		errors = append(errors, fmt.Sprintf("invalid LOG_FORMAT: %s (must be: console, json)", cfg.Log.Format))
	}

	// 8. 环境验证
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[cfg.Server.Env] {
		errors = append(errors, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	// 9. 限流类别验证
	classes := []struct {
		name string
		wl   WindowLimit
	}{
		{"general", cfg.RateLimit.General}, {"auth", cfg.RateLimit.Auth},
		{"password_reset", cfg.RateLimit.PasswordReset}, {"textgen", cfg.RateLimit.TextGen},
		{"admin", cfg.RateLimit.Admin}, {"destructive", cfg.RateLimit.Destructive},
		{"stepup", cfg.RateLimit.StepUp},
	}
	for _, c := range classes {
		if c.wl.Max < 1 || c.wl.Window <= 0 {
			errors = append(errors, fmt.Sprintf("invalid rate limit class %s: window=%v max=%d", c.name, c.wl.Window, c.wl.Max))
		}
	}

	// 10. 评分权重和必须为 1
	sum := cfg.Scoring.UsageWeight + cfg.Scoring.SuccessWeight + cfg.Scoring.LatencyWeight
	if sum < 0.999 || sum > 1.001 {
		errors = append(errors, fmt.Sprintf("popularity score weights must sum to 1.0, got %.3f", sum))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// IsDevelopment 判断是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "dev" || c.Server.Env == "development"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Data:
    - Prompts Dir: %s
    - Audit Log: %s
  Logging:
    - Level: %s
    - Format: %s
  Security:
    - JWT Secret: %s
    - IP Allowlist: %v
    - Bypass IP Check: %v
    - Session Max Age: %s
  Vault:
    - Enabled: %v
    - Master Secret: %s
    - Rotation Secret: %s
    - Max Envelope Age: %s`,
		c.Server.Env,
		c.Server.Port,
		c.Data.PromptsDir,
		c.Data.AuditLogFile,
		c.Log.Level,
		c.Log.Format,
		maskSecret(c.Security.JWTSecret),
		c.Security.AdminIPAllowlist,
		c.Security.BypassIPCheck,
		c.Security.SessionMaxAge,
		c.Vault.Enabled,
		maskSecret(c.Vault.MasterSecret),
		maskSecret(c.Vault.RotationSecret),
		c.Vault.MaxEnvelopeAge,
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 解析布尔环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt 解析整数环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvFloat 解析浮点环境变量
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration 解析时长环境变量（Go duration 格式）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseStringList 解析逗号分隔的字符串列表
func parseStringList(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
