// Package corectx gathers what would otherwise be module-level state
// (the local identity, the DHT store handle, a logger, tunables) into
// an explicit value constructed once at startup and threaded through
// every call.
package corectx

import (
	"log"
	"os"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
)

// Logger is the narrow logging surface every component uses instead of
// referencing the standard library's global logger directly.
type Logger interface {
	Printf(format string, args ...any)
}

// TaggedLogger wraps a *log.Logger and prefixes every line with a
// bracketed component tag (`[Chunked]`, `[Sync]`, ...), so components
// stop formatting their own tags at each call site.
type TaggedLogger struct {
	tag    string
	logger *log.Logger
}

// NewTaggedLogger builds a logger writing to the standard library's
// default destination, tagged with component.
func NewTaggedLogger(component string) *TaggedLogger {
	return &TaggedLogger{tag: "[" + component + "] ", logger: log.Default()}
}

func (t *TaggedLogger) Printf(format string, args ...any) {
	t.logger.Printf(t.tag+format, args...)
}

// Context is the constructed-once value every package in this module
// is handed instead of reaching for package-level state. It owns the
// local identity, the externally supplied DHT store, and the
// environment-derived tunables.
type Context struct {
	Identity identity.Identity
	Store    dht.Store
	Log      Logger

	// ChunkFanOut bounds the number of parallel chunk fetches per
	// Fetch call. Default 8.
	ChunkFanOut int
	// ChunkDeadline bounds total wall time for a single chunked fetch.
	ChunkDeadline time.Duration
	// RepublishInterval is how often internal/republish re-puts
	// single-writer chunked values still inside their TTL window.
	RepublishInterval time.Duration
}

// New builds a Context from an already-started identity and DHT store.
// Tunables are read from the environment with sensible defaults as
// fallback.
func New(id identity.Identity, store dht.Store) *Context {
	return &Context{
		Identity:          id,
		Store:             store,
		Log:               NewTaggedLogger("Core"),
		ChunkFanOut:       getEnvInt("DNA_CHUNK_FANOUT", 8),
		ChunkDeadline:     getEnvDuration("DNA_CHUNK_DEADLINE", 30*time.Second),
		RepublishInterval: getEnvDuration("DNA_REPUBLISH_INTERVAL", 12*time.Hour),
	}
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
