// Package config loads service settings from the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ErrNotPointer is returned by SetConfigFromEnvVars for non-pointer targets.
var ErrNotPointer = errors.New("config target must be a pointer to a struct")

var durationType = reflect.TypeOf(time.Duration(0))

// GetenvOrDefault returns the trimmed value of key, or def when unset or blank.
func GetenvOrDefault(key, def string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}

	return value
}

// GetenvBoolOrDefault parses key as a bool; invalid values fall back to def.
func GetenvBoolOrDefault(key string, def bool) bool {
	parsed, err := strconv.ParseBool(GetenvOrDefault(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}

	return parsed
}

// GetenvIntOrDefault parses key as a base-10 integer.
func GetenvIntOrDefault(key string, def int64) int64 {
	parsed, err := strconv.ParseInt(GetenvOrDefault(key, ""), 10, 64)
	if err != nil {
		return def
	}

	return parsed
}

// GetenvDurationOrDefault parses key with time.ParseDuration ("30m", "200ms").
func GetenvDurationOrDefault(key string, def time.Duration) time.Duration {
	parsed, err := time.ParseDuration(GetenvOrDefault(key, ""))
	if err != nil {
		return def
	}

	return parsed
}

// SetConfigFromEnvVars fills every field of s tagged `env:"NAME"` whose
// variable is set. Fields whose variable is unset keep their current value,
// so callers can pre-populate defaults.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	elem := v.Elem()
	typ := elem.Type()

	for i := 0; i < typ.NumField(); i++ {
		tag, ok := typ.Field(i).Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}

		raw, present := os.LookupEnv(tag)
		if !present || strings.TrimSpace(raw) == "" {
			continue
		}

		if err := assign(elem.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("env %s: %w", tag, err)
		}
	}

	return nil
}

func assign(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}

// LocalEnvConfig reports whether a local .env file was applied.
type LocalEnvConfig struct {
	Initialized bool
}

var (
	localEnvConfig     *LocalEnvConfig
	localEnvConfigOnce sync.Once
)

// InitLocalEnvConfig prints the build version and environment and, when
// ENV_NAME is "local", loads .env from the working directory once.
func InitLocalEnvConfig() *LocalEnvConfig {
	version := GetenvOrDefault("VERSION", "NO-VERSION")
	envName := GetenvOrDefault("ENV_NAME", "development")

	fmt.Printf("VERSION: %s\n\n", version)
	fmt.Printf("ENVIRONMENT NAME: %s\n\n", envName)

	if envName != "local" {
		return nil
	}

	localEnvConfigOnce.Do(func() {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Skipping .env file, using system environment variables")

			localEnvConfig = &LocalEnvConfig{}

			return
		}

		localEnvConfig = &LocalEnvConfig{Initialized: true}
	})

	return localEnvConfig
}
