// Package artifact caches derived artifacts — translations and synthesized
// audio — content-addressed by SHA-256 of the source text.
//
// Cache failures are deliberately indistinguishable from misses: callers fall
// through to the underlying generator either way, and errors surface only in
// logs. A broken cache degrades cost, never correctness.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind selects the artifact namespace and its TTL.
type Kind int

const (
	// Translation artifacts live for 7 days.
	Translation Kind = iota
	// TTS audio artifacts live for 24 hours.
	TTS
)

// TTL returns the retention period for the kind.
func (k Kind) TTL() time.Duration {
	if k == TTS {
		return 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

func (k Kind) prefix() string {
	if k == TTS {
		return "tts"
	}
	return "translation"
}

// Cache is a content-addressed artifact cache. Implementations must be safe
// for concurrent use and must swallow backend failures (log, report a miss).
type Cache interface {
	// Get returns the cached artifact for (kind, content, lang), or ok=false
	// on a miss or backend failure.
	Get(ctx context.Context, kind Kind, content, lang string) (value []byte, ok bool)

	// Put stores the artifact under the kind's TTL. Best effort.
	Put(ctx context.Context, kind Kind, content, lang string, value []byte)

	// Invalidate removes all entries whose key starts with prefix
	// (e.g. "translation:"). Best effort.
	Invalidate(ctx context.Context, prefix string)
}

// CacheKey derives the storage key: "<kind>:<sha256(content)>:<lang>".
func CacheKey(kind Kind, content, lang string) string {
	sum := sha256.Sum256([]byte(content))
	return kind.prefix() + ":" + hex.EncodeToString(sum[:]) + ":" + lang
}
