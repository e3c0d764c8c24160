package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var errOutOfRange = errors.New("out of range")

// envValue returns def when key is unset, blank or fails parse.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envValue(key, def, func(s string) (string, error) { return s, nil })
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envValue(key, def, strconv.ParseBool)
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	return envValue(key, def, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err == nil && n <= 0 {
			err = errOutOfRange
		}
		return n, err
	})
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	return envValue(key, def, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		if err == nil && n < 0 {
			err = errOutOfRange
		}
		return int32(n), err
	})
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err == nil && d <= 0 {
			err = errOutOfRange
		}
		return d, err
	})
}

// EnvList reads a comma-separated env var with a default. Empty items are dropped.
func EnvList(key string, def []string) []string {
	return envValue(key, def, func(s string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		if len(out) == 0 {
			return nil, errOutOfRange
		}
		return out, nil
	})
}
