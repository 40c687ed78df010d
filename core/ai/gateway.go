package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/telavida/medichat-go/core/artifact"
)

// translationTemperature is fixed low so repeated translations of the same
// clinical phrasing stay consistent.
const translationTemperature = 0.3

// defaultVoice is used for languages absent from the voice table.
const defaultVoice = "alloy"

// voiceByLanguage picks a synthesis voice per language code. Deterministic so
// the same text+language always produces cacheable audio.
var voiceByLanguage = map[string]string{
	"en": "alloy",
	"es": "nova",
	"fr": "shimmer",
	"de": "onyx",
	"pt": "nova",
	"it": "shimmer",
	"ja": "echo",
	"zh": "echo",
	"ar": "fable",
	"hi": "fable",
	"ru": "onyx",
	"ko": "echo",
}

// Gateway is the cache-first front for translation, transcription, and
// synthesis. One provider attempt per call, no retries.
type Gateway struct {
	client *Client
	cache  artifact.Cache
	log    *slog.Logger
}

// NewGateway creates a Gateway. cache may be nil to disable caching; logger
// falls back to slog.Default() if nil.
func NewGateway(client *Client, cache artifact.Cache, logger *slog.Logger) *Gateway {
	if cache == nil {
		cache = artifact.NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client: client,
		cache:  cache,
		log:    logger.WithGroup("ai"),
	}
}

// Translate renders text into targetLang. On provider failure it returns the
// original text with errored=true; the message still goes out, the peer is
// told translation failed.
func (g *Gateway) Translate(ctx context.Context, text, targetLang, sourceLang string) (translation string, errored bool) {
	if cached, ok := g.cache.Get(ctx, artifact.Translation, text, targetLang); ok {
		return string(cached), false
	}

	system := "You are a medical translator. Translate the user's message" +
		sourceClause(sourceLang) +
		fmt.Sprintf(" into %s.", languageName(targetLang)) +
		" Preserve medical meaning exactly. Reply with the translation only."
	out, err := g.client.ChatCompletion(ctx, system, text, translationTemperature)
	if err != nil {
		g.log.Warn("translation failed", "target", targetLang, "error", err)
		return text, true
	}
	out = strings.TrimSpace(out)
	if out == "" {
		g.log.Warn("translation returned empty output", "target", targetLang)
		return text, true
	}

	g.cache.Put(ctx, artifact.Translation, text, targetLang, []byte(out))
	return out, false
}

// Transcribe converts uploaded audio to text. Transcripts are not cached:
// identical audio uploads are rare and the payloads are large.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio buffer")
	}
	text, err := g.client.Transcription(ctx, audio, lang)
	if err != nil {
		g.log.Warn("transcription failed", "lang", lang, "bytes", len(audio), "error", err)
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Synthesize renders text to speech in the given language, cache-first.
func (g *Gateway) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if cached, ok := g.cache.Get(ctx, artifact.TTS, text, lang); ok {
		return cached, nil
	}

	audio, err := g.client.Speech(ctx, text, VoiceFor(lang))
	if err != nil {
		g.log.Warn("synthesis failed", "lang", lang, "error", err)
		return nil, err
	}
	g.cache.Put(ctx, artifact.TTS, text, lang, audio)
	return audio, nil
}

// VoiceFor returns the synthesis voice for a language code, falling back to
// the neutral default.
func VoiceFor(lang string) string {
	base := strings.ToLower(lang)
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	if voice, ok := voiceByLanguage[base]; ok {
		return voice
	}
	return defaultVoice
}

func sourceClause(sourceLang string) string {
	if sourceLang == "" {
		return ""
	}
	return fmt.Sprintf(" from %s", languageName(sourceLang))
}

// languageName expands common codes for prompt readability; unknown codes are
// passed through, which providers handle fine.
func languageName(code string) string {
	names := map[string]string{
		"en": "English", "es": "Spanish", "fr": "French", "de": "German",
		"pt": "Portuguese", "it": "Italian", "ja": "Japanese", "zh": "Chinese",
		"ar": "Arabic", "hi": "Hindi", "ru": "Russian", "ko": "Korean",
	}
	if name, ok := names[strings.ToLower(code)]; ok {
		return name
	}
	return code
}
