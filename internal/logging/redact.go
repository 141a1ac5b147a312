package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeyPatterns lists substrings that indicate a log attribute key holds a secret value.
// Values logged under these keys will be fully redacted.
var sensitiveKeyPatterns = []string{
	"api_key",
	"apikey",
	"password",
	"secret",
	"private_key",
	"credential",
}

// indexerURLKeyPattern matches the key path segment of Alchemy-style NFT API
// and RPC URLs (".../nft/v2/<key>/..." or ".../v2/<key>").
var indexerURLKeyPattern = regexp.MustCompile(`(alchemy(?:api)?\.(?:com|io)/(?:nft/)?v\d+/)([A-Za-z0-9_-]{8,})`)

// queryKeyPattern matches api keys passed as query parameters.
var queryKeyPattern = regexp.MustCompile(`(?i)([?&](?:api_?key|key|token)=)([^&\s"]+)`)

// ethPrivateKeyPattern matches Ethereum-style private keys (0x followed by 64 hex chars).
var ethPrivateKeyPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)

// RedactingHandler wraps an slog.Handler and redacts sensitive values before they
// are passed to the inner handler.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler creates a RedactingHandler that wraps the given inner handler.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts sensitive attribute values and forwards the record to the inner handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, redactAttr(a))
		return true
	})

	newRecord := slog.NewRecord(r.Time, r.Level, redactString(r.Message), r.PC)
	newRecord.AddAttrs(redacted...)

	return h.inner.Handle(ctx, newRecord)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

// redactAttr returns a copy of the attribute with its value redacted if necessary.
func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)

	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindString:
		val := a.Value.String()
		// Transaction and block hashes share the private key shape.
		if strings.HasSuffix(key, "hash") {
			return slog.String(a.Key, redactURLKeys(val))
		}
		if redacted := redactString(val); redacted != val {
			return slog.String(a.Key, redacted)
		}
	}

	return a
}

// redactString scans a string value and replaces known secret patterns.
func redactString(val string) string {
	val = redactURLKeys(val)
	return ethPrivateKeyPattern.ReplaceAllStringFunc(val, func(match string) string {
		return match[:6] + "..." + match[len(match)-4:]
	})
}

func redactURLKeys(val string) string {
	val = indexerURLKeyPattern.ReplaceAllString(val, "${1}[REDACTED]")
	return queryKeyPattern.ReplaceAllString(val, "${1}[REDACTED]")
}

// RedactURL is used by components that print endpoint URLs outside of slog
// (status output, error messages returned to API clients).
func RedactURL(u string) string {
	return redactURLKeys(u)
}
