// Package config provides a minimal environment-backed configuration loader
// used by the warden bootstrap (cmd/warden/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the runtime config values used by main.go.
type Config struct {
	ListenAddr  string // LISTEN_ADDR (default :8080)
	DatabaseURL string // DATABASE_URL

	AuthSecret   string // AUTH_SECRET (bearer-token HMAC)
	PermitSecret string // PERMIT_SECRET (permit HMAC)
	PermitTTL    int    // PERMIT_TTL_SECONDS (default 900)

	PolicyVersions []string // POLICY_VERSIONS (comma-separated, default "v1")
	ContractDir    string   // CONTRACT_DIR

	GlobalLimit int // ADMISSION_GLOBAL_LIMIT (default 256)
	TenantLimit int // ADMISSION_TENANT_LIMIT (default 32)

	KafkaBrokers []string // KAFKA_BROKERS (comma-separated)
	KafkaTopic   string   // KAFKA_TOPIC
	KafkaGroupID string   // KAFKA_GROUP_ID (default "warden-executors")

	S3Bucket string // S3_BUCKET
	S3Prefix string // S3_PREFIX (optional)
}

// LoadFromEnv reads config values from environment variables and returns a
// Config pointer with sensible defaults filled in.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		AuthSecret:   os.Getenv("AUTH_SECRET"),
		PermitSecret: os.Getenv("PERMIT_SECRET"),
		ContractDir:  os.Getenv("CONTRACT_DIR"),
		KafkaTopic:   strings.TrimSpace(os.Getenv("KAFKA_TOPIC")),
		KafkaGroupID: strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID")),
		S3Bucket:     strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Prefix:     strings.TrimSpace(os.Getenv("S3_PREFIX")),
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.KafkaGroupID == "" {
		cfg.KafkaGroupID = "warden-executors"
	}

	cfg.PermitTTL = intEnv("PERMIT_TTL_SECONDS", 900)
	cfg.GlobalLimit = intEnv("ADMISSION_GLOBAL_LIMIT", 256)
	cfg.TenantLimit = intEnv("ADMISSION_TENANT_LIMIT", 32)

	cfg.PolicyVersions = splitList(os.Getenv("POLICY_VERSIONS"))
	if len(cfg.PolicyVersions) == 0 {
		cfg.PolicyVersions = []string{"v1"}
	}
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))

	return cfg
}

func intEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
