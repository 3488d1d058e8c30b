package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/roomkit-dev/roomkit/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin allow-list from the
// environment, falling back to the given defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins: %s", envVarName, defaultOrigins))
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}

// ValidateOrigin rejects upgrade requests from origins outside the
// allow-list. Requests without an Origin header (non-browser clients, shard
// upstream sockets) are allowed.
func ValidateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return nil
		}
	}
	return fmt.Errorf("origin %q not allowed", origin)
}

// ShardSecretHeader carries the intra-cluster shard credential.
const ShardSecretHeader = "X-Access-Shard"

// CheckShardSecret reports whether the request carries the configured shard
// secret. An empty configured secret disables this path.
func CheckShardSecret(r *http.Request, secret string) bool {
	return secret != "" && r.Header.Get(ShardSecretHeader) == secret
}
