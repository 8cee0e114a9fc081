package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger for deployed environments and a text logger for
// local development.
func New(env string) *slog.Logger {
	return NewWithWriter(os.Stdout, env)
}

func NewWithWriter(w io.Writer, env string) *slog.Logger {
	_, inK8s := os.LookupEnv("KUBERNETES_SERVICE_HOST")
	useJSON := inK8s || env == "production" || env == "staging"

	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

func NewWithServiceContext(serviceName, version, env string) *slog.Logger {
	return New(env).With(
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("environment", env),
	)
}

// Discard is for tests that don't care about log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
