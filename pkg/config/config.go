package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// GetString returns the trimmed value of key, or fallback when it is unset or blank.
func GetString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

// GetInt returns key parsed as an integer, or fallback.
func GetInt(key string, fallback int) int {
	return parse(key, fallback, strconv.Atoi)
}

// GetBool returns key parsed as a boolean, or fallback.
func GetBool(key string, fallback bool) bool {
	return parse(key, fallback, strconv.ParseBool)
}

// GetList returns key split on commas with blank items dropped, or fallback.
func GetList(key string, fallback []string) []string {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func parse[T any](key string, fallback T, fn func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	value, err := fn(raw)
	if err != nil {
		slog.Warn("invalid config value, using default", "key", key, "value", raw, "error", err)
		return fallback
	}
	return value
}
