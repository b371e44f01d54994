package config

import (
	"os"
	"strconv"
	"time"
)

type SettlementPolicy struct {
	PlatformFeePercentage    float64
	PenaltyPercentage        float64
	PenaltyWindowHours       float64
	TrustDeduction           int
	ReliabilityDeduction     int
	MinBalanceThresholdCents int64
	DispatchSweepInterval    time.Duration
	DispatchRequestTTL       time.Duration
}

func LoadSettlementPolicy() *SettlementPolicy {
	return &SettlementPolicy{
		PlatformFeePercentage:    getEnvAsFloat("PLATFORM_FEE_PERCENTAGE", 15.0),
		PenaltyPercentage:        getEnvAsFloat("CANCELLATION_PENALTY_PERCENTAGE", 25.0),
		PenaltyWindowHours:       getEnvAsFloat("CANCELLATION_PENALTY_WINDOW_HOURS", 24),
		TrustDeduction:           getEnvAsInt("CANCELLATION_TRUST_DEDUCTION", 10),
		ReliabilityDeduction:     getEnvAsInt("CANCELLATION_RELIABILITY_DEDUCTION", 5),
		MinBalanceThresholdCents: int64(getEnvAsInt("MIN_BALANCE_THRESHOLD_CENTS", 5000)),
		DispatchSweepInterval:    getEnvAsDuration("DISPATCH_SWEEP_INTERVAL", 30*time.Second),
		DispatchRequestTTL:       getEnvAsDuration("DISPATCH_REQUEST_TTL", 5*time.Minute),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
