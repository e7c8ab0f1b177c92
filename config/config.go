package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MQTT
	MQTTBroker       string
	MQTTClientPrefix string
	MQTTUsername     string
	MQTTPassword     string

	// Connection lifecycle
	BackoffBase         time.Duration
	BackoffMultiplier   float64
	BackoffCap          time.Duration
	SustainedAfter      time.Duration
	HealthCheckInterval time.Duration
	ActivityThreshold   time.Duration
	MaxConsecutiveFails int

	// Correlation
	CorrelationWindow time.Duration

	// Pipeline
	QueueSize      int
	SpillThreshold time.Duration
	SpillDir       string

	// Identity
	DefaultHospitalCode string
	HospitalCacheTTL    time.Duration

	// HTTP
	HTTPAddr string

	// Application
	LogLevel string
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	backoffBase, _ := strconv.Atoi(getEnv("BACKOFF_BASE_MS", "500"))
	backoffMult, _ := strconv.ParseFloat(getEnv("BACKOFF_MULTIPLIER", "2.0"), 64)
	backoffCap, _ := strconv.Atoi(getEnv("BACKOFF_CAP_MS", "60000"))
	sustained, _ := strconv.Atoi(getEnv("SUSTAINED_AFTER_SEC", "30"))
	healthInterval, _ := strconv.Atoi(getEnv("HEALTH_CHECK_INTERVAL_SEC", "15"))
	activity, _ := strconv.Atoi(getEnv("ACTIVITY_THRESHOLD_SEC", "120"))
	maxFails, _ := strconv.Atoi(getEnv("MAX_CONSECUTIVE_FAILS", "10"))
	window, _ := strconv.Atoi(getEnv("CORRELATION_WINDOW_SEC", "20"))
	queueSize, _ := strconv.Atoi(getEnv("QUEUE_SIZE", "1024"))
	spillThreshold, _ := strconv.Atoi(getEnv("SPILL_THRESHOLD_SEC", "10"))
	cacheTTL, _ := strconv.Atoi(getEnv("HOSPITAL_CACHE_TTL_SEC", "3600"))

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "telemetry_bridge"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       redisDB,

		MQTTBroker:       getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientPrefix: getEnv("MQTT_CLIENT_PREFIX", "telemetry-bridge"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),

		BackoffBase:         time.Duration(backoffBase) * time.Millisecond,
		BackoffMultiplier:   backoffMult,
		BackoffCap:          time.Duration(backoffCap) * time.Millisecond,
		SustainedAfter:      time.Duration(sustained) * time.Second,
		HealthCheckInterval: time.Duration(healthInterval) * time.Second,
		ActivityThreshold:   time.Duration(activity) * time.Second,
		MaxConsecutiveFails: maxFails,

		CorrelationWindow: time.Duration(window) * time.Second,

		QueueSize:      queueSize,
		SpillThreshold: time.Duration(spillThreshold) * time.Second,
		SpillDir:       getEnv("SPILL_DIR", "./spill"),

		DefaultHospitalCode: getEnv("DEFAULT_HOSPITAL_CODE", "MFC-DEFAULT"),
		HospitalCacheTTL:    time.Duration(cacheTTL) * time.Second,

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
