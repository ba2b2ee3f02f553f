package env

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// Helper functions
func GetEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	fmt.Printf("Environment variable %s not found, using default value: %s\n", key, defaultValue)
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return boolValue
	}
	fmt.Printf("Environment variable %s not found, using default value: %t\n", key, defaultValue)
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return intValue
	}
	fmt.Printf("Environment variable %s not found, using default value: %d\n", key, defaultValue)
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return duration
	}
	fmt.Printf("Environment variable %s not found, using default value: %v\n", key, defaultValue)
	return defaultValue
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return defaultValue
		}
		return floatValue
	}
	fmt.Printf("Environment variable %s not found, using default value: %v\n", key, defaultValue)
	return defaultValue
}

// GetEnvBigInt reads a base-10 integer, used for smallest-unit token amounts.
func GetEnvBigInt(key string, defaultValue *big.Int) *big.Int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, ok := new(big.Int).SetString(value, 10); ok {
			return parsed
		}
		return defaultValue
	}
	fmt.Printf("Environment variable %s not found, using default value: %v\n", key, defaultValue)
	return defaultValue
}
