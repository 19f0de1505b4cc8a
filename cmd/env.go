package cmd

import (
	"fmt"
	"sort"

	"github.com/salon/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // Settings that are set (secrets masked)
	Warnings []string          // Non-fatal warnings
}

// CheckConfig reports which settings a server start depends on.
func CheckConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	required := map[string]string{
		"database.url":        cfg.Database.URL,
		"deployment.provider": cfg.Deployment.Provider,
		"deployment.model":    cfg.Deployment.Model,
	}
	if cfg.Deployment.Provider != "ollama" {
		required["deployment.api_key"] = cfg.Deployment.APIKey
	}
	secrets := map[string]bool{"database.url": true, "deployment.api_key": true, "auth.jwt_secret": true}

	for k, v := range required {
		if v == "" {
			result.Missing = append(result.Missing, k)
			continue
		}
		result.Present[k] = display(k, v, secrets)
	}
	sort.Strings(result.Missing)

	if cfg.Auth.JWTSecret == "" {
		result.Warnings = append(result.Warnings, "auth.jwt_secret is empty: callers are identified by the User-Id header")
	} else {
		result.Present["auth.jwt_secret"] = maskSecret(cfg.Auth.JWTSecret)
	}
	if cfg.Chat.PersistOnCancel {
		result.Warnings = append(result.Warnings, "chat.persist_on_cancel is on: partial replies are stored when clients disconnect")
	}
	if cfg.Events.RedisEnabled {
		result.Present["events.redis_addr"] = cfg.Events.RedisAddr
	}

	return result
}

func display(key, value string, secrets map[string]bool) string {
	if secrets[key] {
		return maskSecret(value)
	}
	return value
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("✓ Configured settings:")
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
