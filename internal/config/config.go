package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	Blob        BlobConfig
	Scheduler   SchedulerConfig
}

type BlobConfig struct {
	Enabled   bool
	Dir       string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// SchedulerConfig carries the orchestration knobs the documentation leaves
// to deployment: retry bound, heartbeat cadence and the executor long-poll
// wait.
type SchedulerConfig struct {
	RetryLimit        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ClaimWait         time.Duration
	ImageBindings     map[string]string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8090", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port:        *port,
		Env:         env,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Blob:        loadBlobConfig(env),
		Scheduler:   loadSchedulerConfig(),
	}, nil
}

func loadBlobConfig(env string) BlobConfig {
	// A configured directory wins over S3; it keeps single-machine runs
	// free of external services.
	if dir := strings.TrimSpace(os.Getenv("BLOB_DIR")); dir != "" {
		return BlobConfig{Enabled: true, Dir: dir}
	}
	endpoint := resolveBlobEndpoint(env)
	return BlobConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_S3_BUCKET")), "taskmesh-objects"),
		UseSSL:    resolveBlobUseSSL(env),
	}
}

func resolveBlobEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return firstNonEmpty(strings.TrimSpace(os.Getenv("BLOB_MINIO_ENDPOINT")), "minio:9000")
	}
	return strings.TrimSpace(os.Getenv("BLOB_S3_ENDPOINT"))
}

func resolveBlobUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("BLOB_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RetryLimit:        intEnv("TASK_RETRY_LIMIT", 3),
		HeartbeatInterval: durationEnv("EXECUTOR_HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:  durationEnv("EXECUTOR_HEARTBEAT_TIMEOUT", 30*time.Second),
		ClaimWait:         durationEnv("CLAIM_WAIT", 20*time.Second),
		ImageBindings:     parseBindings(os.Getenv("IMAGE_BINDINGS")),
	}
}

// parseBindings reads "function=image,function=image" pairs.
func parseBindings(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
