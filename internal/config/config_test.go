package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `port: "8080"
logLevel: info
databaseURL: postgres://localhost:5432/mybooklist
redisAddr: localhost:6379
authBaseURL: https://project.supabase.co/auth/v1
authAPIKey: anon-key
authJwksURL: https://project.supabase.co/auth/v1/.well-known/jwks.json
authIssuer: https://project.supabase.co/auth/v1
signupRateLimitPerMinute: 5
signinRateLimitPerMinute: 10
maxCoverBytes: 5242880
trustedProxyCidrs:
  - 10.0.0.0/8
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.SignupRateLimitPerMinute != 5 || cfg.SigninRateLimitPerMinute != 10 {
		t.Fatalf("rate limits = %d/%d", cfg.SignupRateLimitPerMinute, cfg.SigninRateLimitPerMinute)
	}
	if cfg.MaxCoverBytes != 5242880 {
		t.Fatalf("maxCoverBytes = %d", cfg.MaxCoverBytes)
	}
	if len(cfg.TrustedProxyCIDRs) != 1 || cfg.TrustedProxyCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	yaml := `port: "8080"
redisAddr: localhost:6379
authBaseURL: https://project.supabase.co/auth/v1
authJwksURL: https://project.supabase.co/auth/v1/.well-known/jwks.json
authIssuer: https://project.supabase.co/auth/v1
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatalf("expected missing databaseURL to fail")
	}
}

func TestLoadRejectsMissingIssuer(t *testing.T) {
	yaml := `port: "8080"
databaseURL: postgres://localhost:5432/mybooklist
redisAddr: localhost:6379
authBaseURL: https://project.supabase.co/auth/v1
authJwksURL: https://project.supabase.co/auth/v1/.well-known/jwks.json
`
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Fatalf("expected missing authIssuer to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override:5432/db")
	t.Setenv("SIGNIN_RATE_LIMIT_PER_MINUTE", "25")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://override:5432/db" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.SigninRateLimitPerMinute != 25 {
		t.Fatalf("signinRateLimitPerMinute = %d", cfg.SigninRateLimitPerMinute)
	}
}

func TestEnvOverrideDisablesMinioSSL(t *testing.T) {
	t.Setenv("MINIO_USE_SSL", "false")
	cfg, err := Load(writeConfig(t, validYAML+"minioUseSSL: true\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MinioUseSSL {
		t.Fatalf("minioUseSSL should be overridden to false")
	}
}

func TestParseJWTLeeway(t *testing.T) {
	if d, err := ParseJWTLeeway(""); err != nil || d != 0 {
		t.Fatalf("empty leeway: %v %v", d, err)
	}
	if d, err := ParseJWTLeeway("45s"); err != nil || d != 45*time.Second {
		t.Fatalf("45s leeway: %v %v", d, err)
	}
	if _, err := ParseJWTLeeway("bogus"); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
