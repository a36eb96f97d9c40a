package main

import (
	"bytes"
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"taskmesh/internal/blob"
	"taskmesh/internal/executor"
)

// builtins are the functions this worker binary ships with. A real
// deployment embeds the executor package and registers its own.
var builtins = map[string]executor.Function{
	"echo": func(_ context.Context, inputs [][]byte) ([]byte, error) {
		return bytes.Join(inputs, nil), nil
	},
	"upper": func(_ context.Context, inputs [][]byte) ([]byte, error) {
		return bytes.ToUpper(bytes.Join(inputs, nil)), nil
	},
	"concat": func(_ context.Context, inputs [][]byte) ([]byte, error) {
		return bytes.Join(inputs, []byte("\n")), nil
	},
}

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", envOr("TASKMESH_SERVER", "http://localhost:8090"), "orchestrator base URL")
	image := flag.String("image", envOr("EXECUTOR_IMAGE", ""), "image this executor provides")
	capacity := flag.Int("capacity", 1, "max concurrent tasks")
	functions := flag.String("functions", envOr("EXECUTOR_FUNCTIONS", ""), "comma-separated builtin functions to expose")
	stream := flag.Bool("stream", envOr("EXECUTOR_STREAM", "") != "", "receive tasks over a websocket stream instead of polling")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	agent, err := executor.NewAgent(executor.Options{
		ServerURL: *serverURL,
		Image:     *image,
		Capacity:  *capacity,
		Blobs:     blobStore(),
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize executor: %v", err)
	}

	for _, name := range strings.Split(*functions, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fn, ok := builtins[name]
		if !ok {
			log.Fatalf("Unknown builtin function %q", name)
		}
		if err := agent.RegisterFunction(name, fn); err != nil {
			log.Fatalf("Failed to register function %q: %v", name, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := agent.Run
	if *stream {
		run = agent.RunStream
	}
	if err := run(ctx); err != nil {
		log.Fatalf("Executor error: %v", err)
	}
}

func blobStore() blob.Store {
	if dir := strings.TrimSpace(os.Getenv("BLOB_DIR")); dir != "" {
		store, err := blob.NewFileStore(dir)
		if err != nil {
			log.Fatalf("Failed to initialize blob store: %v", err)
		}
		return store
	}
	endpoint := strings.TrimSpace(os.Getenv("BLOB_MINIO_ENDPOINT"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("BLOB_S3_ENDPOINT"))
	}
	if endpoint == "" {
		return blob.NewMemoryStore()
	}
	store, err := blob.NewS3Store(blob.S3Config{
		Endpoint:  endpoint,
		Region:    envOr("BLOB_S3_REGION", "us-east-1"),
		AccessKey: envOr("BLOB_S3_ACCESS_KEY", os.Getenv("MINIO_ROOT_USER")),
		SecretKey: envOr("BLOB_S3_SECRET_KEY", os.Getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    envOr("BLOB_S3_BUCKET", "taskmesh-objects"),
		UseSSL:    false,
	})
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}
	return store
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
