package config

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Env: "dev", Port: "8000"},
		Data:   DataConfig{PromptsDir: "./data/prompts", AuditLogFile: "./data/audit/admin_audit.jsonl"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Security: SecurityConfig{
			JWTSecret:        strings.Repeat("s", 32),
			AdminIPAllowlist: []string{"127.0.0.1"},
			SessionMaxAge:    2 * time.Hour,
		},
		Vault: VaultConfig{
			Enabled:        true,
			MasterSecret:   strings.Repeat("m", 32),
			RotationSecret: strings.Repeat("r", 32),
			MaxEnvelopeAge: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			General:       WindowLimit{Window: 15 * time.Minute, Max: 100},
			Auth:          WindowLimit{Window: 15 * time.Minute, Max: 5},
			PasswordReset: WindowLimit{Window: time.Hour, Max: 3},
			TextGen:       WindowLimit{Window: time.Minute, Max: 10},
			Admin:         WindowLimit{Window: 15 * time.Minute, Max: 50},
			Destructive:   WindowLimit{Window: time.Hour, Max: 10},
			StepUp:        WindowLimit{Window: 15 * time.Minute, Max: 5},
		},
		Scoring: ScoringConfig{UsageWeight: 0.4, SuccessWeight: 0.3, LatencyWeight: 0.3},
	}
}

// TestValidateConfig_OK 合法配置应通过验证
func TestValidateConfig_OK(t *testing.T) {
	if err := ValidateConfig(validTestConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

// TestValidateConfig_SecretChecks 密钥相关校验
func TestValidateConfig_SecretChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing jwt secret", func(c *Config) { c.Security.JWTSecret = "" }, "USER_JWT_SECRET is required"},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }, "at least 32 characters"},
		{"short master secret", func(c *Config) { c.Vault.MasterSecret = "short" }, "VAULT_MASTER_SECRET"},
		{"identical vault secrets", func(c *Config) { c.Vault.RotationSecret = c.Vault.MasterSecret }, "must differ"},
		{"vault disabled in production", func(c *Config) {
			c.Server.Env = "production"
			c.Vault.Enabled = false
		}, "VAULT_ENABLED=false is not allowed"},
		{"bypass ip in production", func(c *Config) {
			c.Server.Env = "production"
			c.Security.BypassIPCheck = true
		}, "BYPASS_IP_CHECK cannot be enabled"},
		{"empty allowlist without bypass", func(c *Config) { c.Security.AdminIPAllowlist = nil }, "ADMIN_IP_ALLOWLIST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

// TestValidateConfig_Weights 评分权重必须和为 1
func TestValidateConfig_Weights(t *testing.T) {
	cfg := validTestConfig()
	cfg.Scoring.UsageWeight = 0.9
	if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("expected weight sum error, got: %v", err)
	}
}

// TestPrintConfigMasksSecrets 启动打印不泄露完整密钥
func TestPrintConfigMasksSecrets(t *testing.T) {
	cfg := validTestConfig()
	out := cfg.PrintConfig()

	for _, secret := range []string{cfg.Security.JWTSecret, cfg.Vault.MasterSecret, cfg.Vault.RotationSecret} {
		if strings.Contains(out, secret) {
			t.Fatalf("printed config leaks a secret: %q", out)
		}
	}
	if !strings.Contains(out, "Server Port: 8000") || !strings.Contains(out, "Environment: dev") {
		t.Fatalf("printed config missing expected fields: %q", out)
	}
}

// TestMaskSecret 脱敏输出不包含完整密钥
func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "<not set>" {
		t.Fatalf("empty secret mask = %q", got)
	}
	if got := maskSecret("abc"); got != "***" {
		t.Fatalf("short secret mask = %q", got)
	}
	long := "abcdefghijklmnop"
	got := maskSecret(long)
	if strings.Contains(got, "efghijkl") {
		t.Fatalf("mask leaks middle of secret: %q", got)
	}
	if !strings.HasPrefix(got, "abcd") || !strings.HasSuffix(got, "mnop") {
		t.Fatalf("unexpected mask format: %q", got)
	}
}
