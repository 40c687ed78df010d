package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telavida/medichat-go/core/store"
	"github.com/telavida/medichat-go/core/token"
	"github.com/telavida/medichat-go/core/wire"
)

// fakeSocket records everything emitted to it.
type fakeSocket struct {
	id    string
	token string

	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	event string
	data  any
}

func (f *fakeSocket) ID() string    { return f.id }
func (f *fakeSocket) Token() string { return f.token }
func (f *fakeSocket) Close() error  { return nil }

func (f *fakeSocket) Emit(event string, data any) error {
	f.mu.Lock()
	f.events = append(f.events, emitted{event: event, data: data})
	f.mu.Unlock()
	return nil
}

// named returns all recorded payloads for the event, in emission order.
func (f *fakeSocket) named(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

// eventNames returns the emission order of all recorded events.
func (f *fakeSocket) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.events))
	for i, e := range f.events {
		names[i] = e.event
	}
	return names
}

// fixedTranslator returns a canned translation per (text, target) pair and
// degrades for pairs it does not know.
type fixedTranslator struct {
	known map[string]string // "text|target" → translation
}

func (f *fixedTranslator) Translate(ctx context.Context, text, targetLang, sourceLang string) (string, bool) {
	if out, ok := f.known[text+"|"+targetLang]; ok {
		return out, false
	}
	return text, true
}

type fixedTranscriber struct {
	text string
	fail bool
}

func (f *fixedTranscriber) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("asr unavailable")
	}
	return f.text, nil
}

type fixedSynthesizer struct {
	audio []byte
	fail  bool
}

func (f *fixedSynthesizer) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	if f.fail {
		return nil, fmt.Errorf("tts unavailable")
	}
	return f.audio, nil
}

// fixture wires a coordinator over in-memory stores.
type fixture struct {
	coord  *Coordinator
	mem    *store.Memory
	tokens *token.Verifier
	room   *store.Room
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mem := store.NewMemory()
	room, err := mem.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tokens := token.NewVerifier("test-secret", time.Hour)

	cfg.Rooms = mem
	if cfg.Messages == nil {
		cfg.Messages = mem
	}
	cfg.Tokens = tokens
	if cfg.Translator == nil {
		cfg.Translator = &fixedTranslator{known: map[string]string{
			"hello|es":     "hola",
			"sip water|es": "beba agua",
		}}
	}
	if cfg.Transcriber == nil {
		cfg.Transcriber = &fixedTranscriber{text: "sip water"}
	}
	if cfg.Synthesizer == nil {
		cfg.Synthesizer = &fixedSynthesizer{audio: []byte("audio-bytes")}
	}
	return &fixture{coord: New(cfg), mem: mem, tokens: tokens, room: room}
}

func (fx *fixture) event(s *fakeSocket, name string, payload any) {
	raw, _ := json.Marshal(payload)
	fx.coord.HandleEvent(s, name, raw)
}

func (fx *fixture) doctorToken(t *testing.T, id string) string {
	t.Helper()
	bearer, err := fx.tokens.Mint(token.KindDoctor, id, id+"@example.com")
	if err != nil {
		t.Fatal(err)
	}
	return bearer
}

func (fx *fixture) joinPatient(t *testing.T, s *fakeSocket, lang string) {
	t.Helper()
	fx.event(s, wire.EventJoinRoom, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RolePatient, Language: lang})
	if len(s.named(wire.EventRoomJoined)) != 1 {
		t.Fatalf("patient join did not produce room_joined; events = %v", s.eventNames())
	}
}

func (fx *fixture) joinDoctor(t *testing.T, s *fakeSocket, lang string) {
	t.Helper()
	fx.event(s, wire.EventJoinRoom, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RoleDoctor, Language: lang})
	if len(s.named(wire.EventRoomJoined)) != 1 {
		t.Fatalf("doctor join did not produce room_joined; events = %v", s.eventNames())
	}
}

// S1 — anonymous round trip with translation and key exchange.
func TestAnonymousRoundTrip(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}

	fx.joinPatient(t, s1, "en")

	joined := s1.named(wire.EventRoomJoined)[0].(wire.RoomJoined)
	if !joined.Participants.Patient || joined.Participants.Doctor {
		t.Errorf("participants after patient join = %+v, want patient only", joined.Participants)
	}

	fx.joinDoctor(t, s2, "es")

	// Both sockets receive the room key once both roles are present.
	for _, s := range []*fakeSocket{s1, s2} {
		keys := s.named(wire.EventCipherKeyExchange)
		if len(keys) != 1 {
			t.Fatalf("%s received %d key exchanges, want 1", s.id, len(keys))
		}
		if keys[0].(wire.CipherKeyExchange).CipherKey != fx.room.CipherKey {
			t.Errorf("%s received the wrong cipher key", s.id)
		}
	}

	// Patient was told the doctor arrived.
	if got := s1.named(wire.EventUserJoined); len(got) != 1 || got[0].(wire.UserJoined).Role != wire.RoleDoctor {
		t.Errorf("patient user_joined = %v, want one doctor join", got)
	}

	fx.event(s1, wire.EventSendMessage, wire.SendMessage{Content: "hello"})

	msgs := s2.named(wire.EventNewMessage)
	if len(msgs) != 1 {
		t.Fatalf("doctor received %d new_message events, want 1", len(msgs))
	}
	msg := msgs[0].(wire.NewMessage)
	if msg.Content != "hello" || msg.TranslatedContent != "hola" {
		t.Errorf("new_message content = (%q, %q), want (hello, hola)", msg.Content, msg.TranslatedContent)
	}
	if msg.Language != "en" || msg.TargetLanguage != "es" {
		t.Errorf("languages = (%q, %q), want (en, es)", msg.Language, msg.TargetLanguage)
	}
	if msg.TranslationErrored {
		t.Error("translation_errored set on a successful translation")
	}
	if msg.SenderRole != wire.RolePatient || msg.SenderID != "" {
		t.Errorf("sender = (%q, %q), want (patient, empty)", msg.SenderRole, msg.SenderID)
	}

	sent := s1.named(wire.EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("patient received %d message_sent events, want 1", len(sent))
	}
	if sent[0].(wire.MessageSent).ID != msg.ID {
		t.Error("message_sent id differs from delivered new_message id")
	}

	// The translation also rides a message_translated event.
	if got := s2.named(wire.EventMessageTranslated); len(got) != 1 {
		t.Errorf("doctor received %d message_translated events, want 1", len(got))
	}

	// Round trip at rest: the page decrypts to the submitted plaintext.
	page, err := fx.mem.Page(context.Background(), fx.room.ID, fx.room.CipherKey, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Content != "hello" || page[0].TranslatedContent != "hola" {
		t.Errorf("persisted page = %+v, want hello/hola", page)
	}
	if page[0].SenderID != "" {
		t.Error("persisted patient message carries a sender id")
	}
}

// S2 — offline queue drains to a late joiner, before the key exchange.
func TestOfflineQueueDrain(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")

	fx.event(s1, wire.EventSendMessage, wire.SendMessage{Content: "waiting"})
	if len(s1.named(wire.EventMessageSent)) != 1 {
		t.Fatal("sender did not receive message_sent")
	}

	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinDoctor(t, s2, "es")

	names := s2.eventNames()
	wantOrder := []string{wire.EventRoomJoined, wire.EventNewMessage, wire.EventCipherKeyExchange}
	idx := 0
	for _, name := range names {
		if idx < len(wantOrder) && name == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("doctor event order = %v, want subsequence %v", names, wantOrder)
	}

	queued := s2.named(wire.EventNewMessage)[0].(wire.NewMessage)
	if queued.Content != "waiting" || queued.SenderRole != wire.RolePatient {
		t.Errorf("queued delivery = %+v, want patient 'waiting'", queued)
	}
	if queued.ID == "" {
		t.Error("queued delivery lost its message id")
	}

	// The queue drained exactly once: a patient rejoin sees nothing.
	s3 := &fakeSocket{id: "s3"}
	fx.joinPatient(t, s3, "en")
	if len(s3.named(wire.EventNewMessage)) != 0 {
		t.Error("second joiner received already-drained messages")
	}
}

// S3 — doctor exclusivity across claim, disconnect, and re-claim.
func TestDoctorExclusivity(t *testing.T) {
	fx := newFixture(t, Config{})
	d1 := &fakeSocket{id: "d1", token: fx.doctorToken(t, "doc-1")}
	fx.joinDoctor(t, d1, "en")

	d2 := &fakeSocket{id: "d2", token: fx.doctorToken(t, "doc-2")}
	fx.event(d2, wire.EventJoinRoom, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RoleDoctor})

	errs := d2.named(wire.EventError)
	if len(errs) != 1 {
		t.Fatalf("second doctor got %d errors, want 1; events = %v", len(errs), d2.eventNames())
	}
	if msg := errs[0].(wire.Error).Message; msg != "Room already has a doctor assigned" {
		t.Errorf("error message = %q", msg)
	}
	if len(d2.named(wire.EventRoomJoined)) != 0 {
		t.Error("second doctor was admitted to a claimed room")
	}

	fx.coord.HandleDisconnect(d1)
	room, err := fx.mem.Get(context.Background(), fx.room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if room.DoctorID != "" {
		t.Errorf("doctor slot after disconnect = %q, want released", room.DoctorID)
	}

	fx.joinDoctor(t, d2, "en")
	room, _ = fx.mem.Get(context.Background(), fx.room.ID)
	if room.DoctorID != "doc-2" {
		t.Errorf("doctor slot after re-claim = %q, want doc-2", room.DoctorID)
	}
}

// S4 — translation degradation: original delivered, nothing persisted as a
// translation.
func TestTranslationDegradation(t *testing.T) {
	fx := newFixture(t, Config{Translator: &fixedTranslator{}}) // knows nothing, always degrades
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinPatient(t, s1, "en")
	fx.joinDoctor(t, s2, "fr")

	fx.event(s1, wire.EventSendMessage, wire.SendMessage{Content: "pain"})

	msg := s2.named(wire.EventNewMessage)[0].(wire.NewMessage)
	if !msg.TranslationErrored {
		t.Error("translation_errored not set")
	}
	if msg.Content != "pain" || msg.TranslatedContent != "pain" {
		t.Errorf("degraded delivery = (%q, %q), want pain/pain", msg.Content, msg.TranslatedContent)
	}
	if msg.TargetLanguage != "fr" {
		t.Errorf("target language = %q, want fr", msg.TargetLanguage)
	}
	// No message_translated for a failed translation.
	if len(s2.named(wire.EventMessageTranslated)) != 0 {
		t.Error("message_translated emitted for a degraded translation")
	}

	page, err := fx.mem.Page(context.Background(), fx.room.ID, fx.room.CipherKey, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page[0].TranslatedContent != "" {
		t.Errorf("persisted translated content = %q, want empty", page[0].TranslatedContent)
	}
}

// S5 — abrupt disconnect invalidates the key advisory-only.
func TestDisconnectInvalidation(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinPatient(t, s1, "en")
	fx.joinDoctor(t, s2, "es")

	keyBefore := fx.room.CipherKey
	fx.coord.HandleDisconnect(s1)

	inv := s2.named(wire.EventCipherKeyInvalidated)
	if len(inv) != 1 || inv[0].(wire.CipherKeyInvalidated).Reason != wire.ReasonParticipantDisconnected {
		t.Errorf("invalidation events = %v, want one participant_disconnected", inv)
	}
	left := s2.named(wire.EventUserLeft)
	if len(left) != 1 || left[0].(wire.UserLeft).Role != wire.RolePatient {
		t.Errorf("user_left events = %v, want one patient", left)
	}

	room, _ := fx.mem.Get(context.Background(), fx.room.ID)
	if room.DoctorID != "doc-1" {
		t.Errorf("doctor slot = %q, want doc-1 untouched by patient disconnect", room.DoctorID)
	}
	if room.CipherKey != keyBefore {
		t.Error("stored key rotated on disconnect; invalidation is advisory only")
	}
}

// S6 — audio origin: chunked upload, transcription, then the send pipeline.
func TestAudioOrigin(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinPatient(t, s1, "es")
	fx.joinDoctor(t, s2, "en")

	chunk := func(b []byte, last bool) wire.AudioChunk {
		return wire.AudioChunk{Chunk: base64.StdEncoding.EncodeToString(b), IsLast: last, Language: "en"}
	}
	fx.event(s2, wire.EventAudioChunk, chunk([]byte{1, 2}, false))
	fx.event(s2, wire.EventAudioChunk, chunk([]byte{3, 4}, false))
	fx.event(s2, wire.EventAudioChunk, chunk([]byte{5}, true))

	trans := s2.named(wire.EventAudioTranscribed)
	if len(trans) != 1 {
		t.Fatalf("sender received %d audio_transcribed events, want 1", len(trans))
	}
	if got := trans[0].(wire.AudioTranscribed); got.Text != "sip water" || got.Language != "en" {
		t.Errorf("audio_transcribed = %+v", got)
	}

	msgs := s1.named(wire.EventNewMessage)
	if len(msgs) != 1 {
		t.Fatalf("patient received %d new_message events, want 1", len(msgs))
	}
	msg := msgs[0].(wire.NewMessage)
	if !msg.IsAudioOrigin {
		t.Error("is_audio_origin not set")
	}
	if msg.Content != "sip water" || msg.TranslatedContent != "beba agua" {
		t.Errorf("delivery = (%q, %q), want (sip water, beba agua)", msg.Content, msg.TranslatedContent)
	}
	if msg.SenderRole != wire.RoleDoctor || msg.SenderID != "doc-1" {
		t.Errorf("sender = (%q, %q), want (doctor, doc-1)", msg.SenderRole, msg.SenderID)
	}
}

func TestAudioChunk_TranscriptionFailure(t *testing.T) {
	fx := newFixture(t, Config{Transcriber: &fixedTranscriber{fail: true}})
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")

	fx.event(s1, wire.EventAudioChunk, wire.AudioChunk{
		Chunk:  base64.StdEncoding.EncodeToString([]byte{1}),
		IsLast: true,
	})

	if len(s1.named(wire.EventSTTError)) != 1 {
		t.Error("sender did not receive stt_error")
	}
	if len(s1.named(wire.EventNewMessage))+len(s1.named(wire.EventMessageSent)) != 0 {
		t.Error("send pipeline ran after a failed transcription")
	}
}

func TestRequestTTS_Streaming(t *testing.T) {
	audio := []byte("0123456789") // 10 bytes, chunk size 4 → 3 frames
	fx := newFixture(t, Config{
		Synthesizer:   &fixedSynthesizer{audio: audio},
		TTSChunkSize:  4,
		TTSFrameDelay: time.Millisecond,
	})
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")

	fx.event(s1, wire.EventRequestTTS, wire.RequestTTS{Text: "read this", MessageID: "m-1"})

	frames := s1.named(wire.EventAudioStream)
	if len(frames) != 3 {
		t.Fatalf("received %d audio_stream frames, want 3", len(frames))
	}
	var rebuilt []byte
	for i, f := range frames {
		frame := f.(wire.AudioStream)
		if frame.Index != i || frame.Total != 3 || frame.MessageID != "m-1" {
			t.Errorf("frame %d = %+v", i, frame)
		}
		if frame.IsLast != (i == 2) {
			t.Errorf("frame %d is_last = %v", i, frame.IsLast)
		}
		decoded, err := base64.StdEncoding.DecodeString(frame.Chunk)
		if err != nil {
			t.Fatalf("frame %d is not valid base64: %v", i, err)
		}
		rebuilt = append(rebuilt, decoded...)
	}
	if string(rebuilt) != string(audio) {
		t.Errorf("reassembled audio = %q, want %q", rebuilt, audio)
	}
}

func TestRequestTTS_Failure(t *testing.T) {
	fx := newFixture(t, Config{Synthesizer: &fixedSynthesizer{fail: true}})
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")

	fx.event(s1, wire.EventRequestTTS, wire.RequestTTS{Text: "read this", MessageID: "m-9"})

	errs := s1.named(wire.EventTTSError)
	if len(errs) != 1 || errs[0].(wire.TTSError).MessageID != "m-9" {
		t.Errorf("tts_error events = %v, want one carrying m-9", errs)
	}
	if len(s1.named(wire.EventAudioStream)) != 0 {
		t.Error("audio frames emitted after synthesis failure")
	}
}

func TestUpdateLanguage(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")

	fx.event(s1, wire.EventUpdateLanguage, wire.UpdateLanguage{Language: "fr"})
	got := s1.named(wire.EventLanguageUpdated)
	if len(got) != 1 || got[0].(wire.LanguageUpdated).Language != "fr" {
		t.Fatalf("language_updated events = %v", got)
	}
	// Idempotent for repeated identical values.
	fx.event(s1, wire.EventUpdateLanguage, wire.UpdateLanguage{Language: "fr"})
	if len(s1.named(wire.EventLanguageUpdated)) != 2 {
		t.Error("repeated update_language did not confirm")
	}

	if sess := fx.coord.sessions.Get("s1"); sess.Language != "fr" {
		t.Errorf("session language = %q, want fr", sess.Language)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	fx := newFixture(t, Config{})

	// No session.
	stranger := &fakeSocket{id: "sx"}
	fx.event(stranger, wire.EventSendMessage, wire.SendMessage{Content: "hi"})
	errs := stranger.named(wire.EventError)
	if len(errs) != 1 || errs[0].(wire.Error).Message != "No active session" {
		t.Errorf("no-session errors = %v", errs)
	}

	// Empty content is rejected before any write.
	s1 := &fakeSocket{id: "s1"}
	fx.joinPatient(t, s1, "en")
	fx.event(s1, wire.EventSendMessage, wire.SendMessage{Content: "   "})
	if len(s1.named(wire.EventError)) != 1 {
		t.Error("whitespace content not rejected")
	}
	page, err := fx.mem.Page(context.Background(), fx.room.ID, fx.room.CipherKey, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Error("rejected message reached the store")
	}
}

func TestJoin_Rejections(t *testing.T) {
	fx := newFixture(t, Config{})

	tests := []struct {
		name    string
		socket  *fakeSocket
		payload wire.JoinRoom
	}{
		{"missing room id", &fakeSocket{id: "a"}, wire.JoinRoom{Role: wire.RolePatient}},
		{"bad role", &fakeSocket{id: "b"}, wire.JoinRoom{RoomID: fx.room.ID, Role: "nurse"}},
		{"unknown room", &fakeSocket{id: "c"}, wire.JoinRoom{RoomID: "no-such", Role: wire.RolePatient}},
		{"doctor without token", &fakeSocket{id: "d"}, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RoleDoctor}},
		{"doctor with garbage token", &fakeSocket{id: "e", token: "junk"}, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RoleDoctor}},
	}
	for _, tt := range tests {
		fx.event(tt.socket, wire.EventJoinRoom, tt.payload)
		if len(tt.socket.named(wire.EventError)) != 1 {
			t.Errorf("%s: got events %v, want one error", tt.name, tt.socket.eventNames())
		}
		if len(tt.socket.named(wire.EventRoomJoined)) != 0 {
			t.Errorf("%s: join was admitted", tt.name)
		}
	}

	// A user-kind token cannot take the doctor role.
	bearer, err := fx.tokens.Mint(token.KindUser, "u-1", "u@example.com")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSocket{id: "f", token: bearer}
	fx.event(s, wire.EventJoinRoom, wire.JoinRoom{RoomID: fx.room.ID, Role: wire.RoleDoctor})
	if len(s.named(wire.EventError)) != 1 || len(s.named(wire.EventRoomJoined)) != 0 {
		t.Error("user token was accepted for the doctor role")
	}
}

func TestDisconnect_WithoutJoin_IsNoop(t *testing.T) {
	fx := newFixture(t, Config{})
	s := &fakeSocket{id: "ghost"}
	fx.coord.HandleDisconnect(s) // must not panic or emit
	if len(s.eventNames()) != 0 {
		t.Errorf("no-op disconnect emitted %v", s.eventNames())
	}
}

func TestUnknownEvent_Ignored(t *testing.T) {
	fx := newFixture(t, Config{})
	s := &fakeSocket{id: "s1"}
	fx.coord.HandleEvent(s, "make_coffee", json.RawMessage(`{}`))
	if len(s.eventNames()) != 0 {
		t.Errorf("unknown event produced %v", s.eventNames())
	}
}

func TestSend_SameLanguage_SkipsTranslation(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinPatient(t, s1, "en")
	fx.joinDoctor(t, s2, "en")

	fx.event(s1, wire.EventSendMessage, wire.SendMessage{Content: "hello"})

	msg := s2.named(wire.EventNewMessage)[0].(wire.NewMessage)
	if msg.TranslatedContent != "" || msg.TargetLanguage != "" || msg.TranslationErrored {
		t.Errorf("same-language delivery carried translation fields: %+v", msg)
	}
}

func TestLeaveRoom_NotifiesPeers(t *testing.T) {
	fx := newFixture(t, Config{})
	s1 := &fakeSocket{id: "s1"}
	s2 := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinPatient(t, s1, "en")
	fx.joinDoctor(t, s2, "es")

	fx.event(s2, wire.EventLeaveRoom, struct{}{})

	inv := s1.named(wire.EventCipherKeyInvalidated)
	if len(inv) != 1 || inv[0].(wire.CipherKeyInvalidated).Reason != wire.ReasonParticipantLeft {
		t.Errorf("invalidation = %v, want participant_left", inv)
	}
	left := s1.named(wire.EventUserLeft)
	if len(left) != 1 || left[0].(wire.UserLeft).DoctorID != "doc-1" {
		t.Errorf("user_left = %v, want doctor doc-1", left)
	}

	// Doctor leave releases the slot.
	room, _ := fx.mem.Get(context.Background(), fx.room.ID)
	if room.DoctorID != "" {
		t.Errorf("doctor slot after leave = %q, want released", room.DoctorID)
	}
}

// blockingMessages parks Append until released, widening the window between
// a send's commit and its fan-out.
type blockingMessages struct {
	store.MessageStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMessages) Append(ctx context.Context, p store.AppendParams) (*store.Message, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MessageStore.Append(ctx, p)
}

// A peer that joins while a send is suspended in the store commit must still
// receive the message directly; it must not end up stranded in the offline
// queue behind the join's already-finished drain.
func TestSend_PeerJoinsDuringCommit_StillDelivered(t *testing.T) {
	blocker := &blockingMessages{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	fx := newFixture(t, Config{Messages: blocker})
	blocker.MessageStore = fx.mem

	patient := &fakeSocket{id: "s1"}
	fx.joinPatient(t, patient, "en")

	done := make(chan struct{})
	go func() {
		fx.event(patient, wire.EventSendMessage, wire.SendMessage{Content: "hello", Language: "en"})
		close(done)
	}()

	select {
	case <-blocker.entered: // the send is now suspended mid-commit
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the store")
	}

	doctor := &fakeSocket{id: "s2", token: fx.doctorToken(t, "doc-1")}
	fx.joinDoctor(t, doctor, "en")

	close(blocker.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	msgs := doctor.named(wire.EventNewMessage)
	if len(msgs) != 1 {
		t.Fatalf("doctor received %d new_message events, want 1; events = %v", len(msgs), doctor.eventNames())
	}
	if got := msgs[0].(wire.NewMessage).Content; got != "hello" {
		t.Errorf("delivered content = %q, want hello", got)
	}
	if stranded := fx.coord.queue.Drain(fx.room.ID); len(stranded) != 0 {
		t.Errorf("%d entries stranded in the offline queue, want 0", len(stranded))
	}
	if len(patient.named(wire.EventMessageSent)) != 1 {
		t.Errorf("sender did not receive message_sent; events = %v", patient.eventNames())
	}
}
