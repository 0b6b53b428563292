package utils

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv loads .env followed by .env.<mode>. Values already present in the
// process environment win. A missing .env is reported; a missing mode file is not.
func LoadEnv(mode string) error {
	err := godotenv.Load(".env")
	if mode != "" {
		modeFile := ".env." + strings.ToLower(mode)
		if _, statErr := os.Stat(modeFile); statErr == nil {
			if loadErr := godotenv.Load(modeFile); loadErr != nil {
				return loadErr
			}
		}
	}
	return err
}

// GetEnv returns the raw value of key.
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetStringOrDefault returns key's value or def when unset.
func GetStringOrDefault(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}

// GetIntEnv returns key as int64, 0 when unset or malformed.
func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

// GetIntOrDefault returns key as int or def when unset or malformed.
func GetIntOrDefault(key string, def int) int {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// GetBoolOrDefault returns key as bool or def when unset or malformed.
func GetBoolOrDefault(key string, def bool) bool {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// GetFloatOrDefault returns key as float64 or def when unset or malformed.
func GetFloatOrDefault(key string, def float64) float64 {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// GetDurationOrDefault accepts Go duration strings ("1500ms") or a bare
// number of seconds ("8").
func GetDurationOrDefault(key string, def time.Duration) time.Duration {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return def
	}
	return d
}

// GetListOrDefault splits a comma separated value, dropping empty items.
func GetListOrDefault(key string, def []string) []string {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
