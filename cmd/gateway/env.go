package main

import "os"

// getEnvOrDefault returns the value of key, or defaultValue when it is
// unset or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
