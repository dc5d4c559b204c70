package utils

import "os"

// GetEnv reads an environment variable with a fallback, for the few
// process-level switches (like RESET_DB) that live outside the config
// structs on purpose.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
