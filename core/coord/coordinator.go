// Package coord implements the room session coordinator: the state machine
// driving joins, message fan-out, audio transcription, speech synthesis,
// language updates, and leaves over live sockets.
//
// Every inbound socket event is handled as one logical transaction over the
// session registry, the offline queue, and the durable stores. The transport
// guarantees per-socket serial delivery; handlers for distinct sockets run
// concurrently. Shared state lives behind the registry's and queue's own
// locks, and a per-room lock serializes the membership-dependent sections —
// a join's backlog drain against a send's fan-out-or-queue choice — so a
// message committed while a peer is present is always delivered, never
// stranded in the queue.
package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telavida/medichat-go/core/fault"
	"github.com/telavida/medichat-go/core/roomcrypto"
	"github.com/telavida/medichat-go/core/session"
	"github.com/telavida/medichat-go/core/store"
	"github.com/telavida/medichat-go/core/token"
	"github.com/telavida/medichat-go/core/wire"
	"github.com/telavida/medichat-go/metrics"
	"github.com/telavida/medichat-go/transport"
)

// Translator renders text into a target language. On provider failure it
// returns the original text with errored=true.
type Translator interface {
	Translate(ctx context.Context, text, targetLang, sourceLang string) (translation string, errored bool)
}

// Transcriber converts uploaded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, lang string) (string, error)
}

// Synthesizer renders text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
}

// Defaults for Config fields left zero.
const (
	DefaultLanguage       = "en"
	DefaultDBTimeout      = 800 * time.Millisecond
	DefaultTranslateLimit = 10 * time.Second
	DefaultSpeechLimit    = 30 * time.Second
	DefaultTTSChunkSize   = 16 * 1024
	DefaultTTSFrameDelay  = 10 * time.Millisecond
	DefaultMaxAudioBytes  = 10 << 20
)

// Config wires the coordinator's collaborators.
type Config struct {
	Rooms    store.RoomStore
	Messages store.MessageStore
	Tokens   *token.Verifier

	Translator  Translator
	Transcriber Transcriber
	Synthesizer Synthesizer

	// Sessions and Queue default to fresh instances.
	Sessions *session.Registry
	Queue    *session.Queue

	// Logger falls back to slog.Default(). Metrics may be nil.
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Deadlines for external calls; zero values take the defaults above.
	DBTimeout        time.Duration
	TranslateTimeout time.Duration
	SpeechTimeout    time.Duration

	// TTS streaming shape.
	TTSChunkSize  int
	TTSFrameDelay time.Duration

	// MaxAudioBytes caps a socket's accumulated audio upload.
	MaxAudioBytes int
}

// Coordinator is the room session state machine. Safe for concurrent use by
// many sockets.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	sessions *session.Registry
	queue    *session.Queue
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sockets  map[string]transport.Socket // socket id → live handle
	audioBuf map[string][]byte           // socket id → accumulated upload
	roomMu   map[string]*sync.Mutex      // room id → membership lock
}

// New creates a Coordinator and fills Config defaults.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry()
	}
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = DefaultDBTimeout
	}
	if cfg.TranslateTimeout == 0 {
		cfg.TranslateTimeout = DefaultTranslateLimit
	}
	if cfg.SpeechTimeout == 0 {
		cfg.SpeechTimeout = DefaultSpeechLimit
	}
	if cfg.TTSChunkSize == 0 {
		cfg.TTSChunkSize = DefaultTTSChunkSize
	}
	if cfg.TTSFrameDelay == 0 {
		cfg.TTSFrameDelay = DefaultTTSFrameDelay
	}
	if cfg.MaxAudioBytes == 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger.WithGroup("coord"),
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		sockets:  make(map[string]transport.Socket),
		audioBuf: make(map[string][]byte),
		roomMu:   make(map[string]*sync.Mutex),
	}
	if cfg.Queue != nil {
		c.queue = cfg.Queue
	} else {
		c.queue = session.NewQueue(0, func(roomID string) {
			c.log.Warn("offline queue overflow, dropped oldest", "room", roomID)
		})
	}
	return c
}

// HandleEvent dispatches one inbound socket event. Unrecognized events are
// logged and ignored; failures surface as an error event to the originating
// socket only.
func (c *Coordinator) HandleEvent(s transport.Socket, event string, data json.RawMessage) {
	c.metrics.Event(event)
	c.trackSocket(s)

	var err error
	switch event {
	case wire.EventJoinRoom:
		err = c.handleJoin(s, data)
	case wire.EventSendMessage:
		err = c.handleSend(s, data)
	case wire.EventAudioChunk:
		err = c.handleAudioChunk(s, data)
	case wire.EventRequestTTS:
		err = c.handleRequestTTS(s, data)
	case wire.EventUpdateLanguage:
		err = c.handleUpdateLanguage(s, data)
	case wire.EventLeaveRoom:
		c.leave(s, wire.ReasonParticipantLeft)
	default:
		c.log.Debug("ignoring unrecognized event", "event", event, "socket", s.ID())
		return
	}
	if err != nil {
		c.emitError(s, err)
	}
}

// HandleDisconnect finalizes a dropped socket: peers are notified, the
// doctor slot is released, and all per-socket state is discarded. Idempotent
// and valid for sockets that never joined a room.
func (c *Coordinator) HandleDisconnect(s transport.Socket) {
	c.leave(s, wire.ReasonParticipantDisconnected)
	c.mu.Lock()
	delete(c.sockets, s.ID())
	delete(c.audioBuf, s.ID())
	c.mu.Unlock()
}

// handleJoin admits a socket to a room. A doctor join claims the room's
// doctor slot itself (idempotent for the current claimant) rather than
// assuming the HTTP join endpoint ran first, so socket-only clients hold the
// slot correctly too.
func (c *Coordinator) handleJoin(s transport.Socket, data json.RawMessage) error {
	var req wire.JoinRoom
	if err := json.Unmarshal(data, &req); err != nil {
		return fault.Wrap(fault.InvalidArgument, "malformed join_room payload", err)
	}
	if req.RoomID == "" {
		return fault.New(fault.InvalidArgument, "room_id is required")
	}
	if !req.Role.Valid() {
		return fault.New(fault.InvalidArgument, "role must be patient or doctor")
	}

	var doctorID string
	if req.Role == wire.RoleDoctor {
		bearer := s.Token()
		if bearer == "" {
			return fault.New(fault.Unauthenticated, "doctor join requires a token")
		}
		claims, err := c.cfg.Tokens.Verify(bearer)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				return fault.Wrap(fault.Unauthenticated, "token expired", err)
			}
			return fault.Wrap(fault.Unauthenticated, "token invalid", err)
		}
		if claims.Kind != token.KindDoctor {
			return fault.New(fault.Forbidden, "token does not grant the doctor role")
		}
		doctorID = claims.ID
	}

	ctx, cancel := c.dbCtx()
	defer cancel()
	room, err := c.cfg.Rooms.Get(ctx, req.RoomID)
	if err != nil {
		return mapStoreErr(err)
	}

	if req.Role == wire.RoleDoctor {
		if room.DoctorID != "" && room.DoctorID != doctorID {
			return fault.New(fault.Conflict, "Room already has a doctor assigned")
		}
		// The HTTP join endpoint normally claims before the socket join;
		// claiming here too keeps the slot correct for socket-only clients
		// and is atomic against a concurrent claim.
		if err := c.cfg.Rooms.ClaimDoctor(ctx, room.ID, doctorID); err != nil {
			return mapStoreErr(err)
		}
		room.DoctorID = doctorID
	}

	lang := req.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	// Membership change, backlog drain, and key exchange form one atomic
	// section against a concurrent send's fan-out-or-queue choice: a message
	// committed before the drain is drained here, one committed after sees
	// this session and is delivered directly.
	lock := c.roomLock(room.ID)
	lock.Lock()
	c.sessions.Put(&session.Session{
		SocketID:    s.ID(),
		RoomID:      room.ID,
		Role:        req.Role,
		DoctorID:    doctorID,
		Language:    lang,
		ConnectedAt: time.Now(),
	})

	members := c.sessions.Room(room.ID)
	s.Emit(wire.EventRoomJoined, wire.RoomJoined{
		RoomID:       room.ID,
		Role:         req.Role,
		DoctorID:     room.DoctorID,
		Participants: participants(members),
	})
	c.emitToPeers(members, s.ID(), wire.EventUserJoined, wire.UserJoined{
		Role:     req.Role,
		DoctorID: doctorID,
	})

	// Deliver the backlog to the joiner only, oldest first.
	queued := c.queue.Drain(room.ID)
	for _, entry := range queued {
		s.Emit(wire.EventNewMessage, wire.NewMessage{
			ID:         entry.MessageID,
			RoomID:     room.ID,
			Content:    entry.Content,
			Language:   entry.Language,
			SenderRole: entry.SenderRole,
			SenderID:   entry.SenderID,
			Timestamp:  entry.Timestamp.UnixMilli(),
		})
	}
	c.metrics.Drained(len(queued))

	if c.sessions.BothPresent(room.ID) {
		for _, member := range c.sessions.Room(room.ID) {
			c.emitTo(member.SocketID, wire.EventCipherKeyExchange, wire.CipherKeyExchange{
				CipherKey: room.CipherKey,
			})
			c.metrics.KeyExchange()
		}
	}
	lock.Unlock()

	c.log.Info("participant joined", "room", room.ID, "role", req.Role, "socket", s.ID())
	return nil
}

func (c *Coordinator) handleSend(s transport.Socket, data json.RawMessage) error {
	var req wire.SendMessage
	if err := json.Unmarshal(data, &req); err != nil {
		return fault.Wrap(fault.InvalidArgument, "malformed send_message payload", err)
	}
	_, err := c.deliver(s, req.Content, req.Language, req.IsAudio)
	return err
}

// deliver runs the send pipeline shared by send_message and the audio path:
// translate for the present peer, persist encrypted, then fan out or queue.
func (c *Coordinator) deliver(s transport.Socket, content, language string, isAudio bool) (*store.Message, error) {
	sess := c.sessions.Get(s.ID())
	if sess == nil {
		return nil, fault.New(fault.Unauthenticated, "No active session")
	}
	if strings.TrimSpace(content) == "" {
		return nil, fault.New(fault.InvalidArgument, "message content is empty")
	}
	if language == "" {
		language = sess.Language
	}

	ctx, cancel := c.dbCtx()
	room, err := c.cfg.Rooms.Get(ctx, sess.RoomID)
	cancel()
	if err != nil {
		return nil, mapStoreErr(err)
	}

	// Pre-commit snapshot, used only to pick the translation target. The
	// authoritative peer set for fan-out is re-read after the commit, under
	// the room lock.
	peers := peersOf(c.sessions.Room(sess.RoomID), s.ID())

	// Two-party rooms: the first peer's language is the translation target.
	var targetLang, translated string
	translationErrored := false
	if len(peers) > 0 {
		targetLang = peers[0].Language
		if targetLang != language {
			tctx, tcancel := context.WithTimeout(context.Background(), c.cfg.TranslateTimeout)
			translated, translationErrored = c.cfg.Translator.Translate(tctx, content, targetLang, language)
			tcancel()
		} else {
			targetLang = ""
		}
	}

	// A failed translation is delivered as the original text but never
	// persisted as a translation.
	persistTranslated := translated
	if translationErrored {
		persistTranslated = ""
	}

	ctx, cancel = c.dbCtx()
	msg, err := c.cfg.Messages.Append(ctx, store.AppendParams{
		RoomID:            sess.RoomID,
		SenderRole:        sess.Role,
		SenderID:          sess.DoctorID,
		Content:           content,
		TranslatedContent: persistTranslated,
		Language:          language,
		TargetLanguage:    targetLang,
		IsAudioOrigin:     isAudio,
		Key:               room.CipherKey,
	})
	cancel()
	if err != nil {
		return nil, mapStoreErr(err)
	}

	// Re-snapshot under the room lock: a peer that joined while Append was in
	// flight has already drained an empty backlog, so the message must go out
	// directly; conversely an enqueue here cannot race a drain.
	lock := c.roomLock(sess.RoomID)
	lock.Lock()
	peers = peersOf(c.sessions.Room(sess.RoomID), s.ID())
	if len(peers) > 0 {
		out := wire.NewMessage{
			ID:                 msg.ID,
			RoomID:             msg.RoomID,
			Content:            msg.Content,
			TranslatedContent:  translated,
			Language:           msg.Language,
			TargetLanguage:     targetLang,
			SenderRole:         msg.SenderRole,
			SenderID:           msg.SenderID,
			Timestamp:          msg.Timestamp.UnixMilli(),
			IsAudioOrigin:      msg.IsAudioOrigin,
			TranslationErrored: translationErrored,
		}
		for _, peer := range peers {
			c.emitTo(peer.SocketID, wire.EventNewMessage, out)
			if translated != "" && !translationErrored {
				c.emitTo(peer.SocketID, wire.EventMessageTranslated, wire.MessageTranslated{
					ID:                msg.ID,
					TranslatedContent: translated,
					TargetLanguage:    targetLang,
				})
			}
		}
	} else {
		c.queue.Enqueue(sess.RoomID, session.QueueEntry{
			MessageID:  msg.ID,
			Content:    msg.Content,
			SenderRole: msg.SenderRole,
			SenderID:   msg.SenderID,
			Language:   msg.Language,
			Timestamp:  msg.Timestamp,
		})
		c.metrics.Queued(1)
	}
	lock.Unlock()

	s.Emit(wire.EventMessageSent, wire.MessageSent{
		ID:        msg.ID,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	return msg, nil
}

func (c *Coordinator) handleAudioChunk(s transport.Socket, data json.RawMessage) error {
	var req wire.AudioChunk
	if err := json.Unmarshal(data, &req); err != nil {
		c.clearAudio(s.ID())
		return fault.Wrap(fault.InvalidArgument, "malformed audio_chunk payload", err)
	}
	sess := c.sessions.Get(s.ID())
	if sess == nil {
		c.clearAudio(s.ID())
		return fault.New(fault.Unauthenticated, "No active session")
	}

	chunk, err := base64.StdEncoding.DecodeString(req.Chunk)
	if err != nil {
		c.clearAudio(s.ID())
		return fault.Wrap(fault.InvalidArgument, "audio chunk is not valid base64", err)
	}

	c.mu.Lock()
	buf := append(c.audioBuf[s.ID()], chunk...)
	if len(buf) > c.cfg.MaxAudioBytes {
		delete(c.audioBuf, s.ID())
		c.mu.Unlock()
		return fault.New(fault.InvalidArgument, "audio upload exceeds size limit")
	}
	if !req.IsLast {
		c.audioBuf[s.ID()] = buf
		c.mu.Unlock()
		return nil
	}
	delete(c.audioBuf, s.ID())
	c.mu.Unlock()

	lang := req.Language
	if lang == "" {
		lang = sess.Language
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SpeechTimeout)
	text, err := c.cfg.Transcriber.Transcribe(ctx, buf, lang)
	cancel()
	if err != nil || text == "" {
		c.log.Warn("transcription failed", "socket", s.ID(), "error", err)
		c.metrics.Error(fault.UpstreamDegraded.String())
		s.Emit(wire.EventSTTError, wire.STTError{Message: "transcription failed"})
		return nil
	}

	s.Emit(wire.EventAudioTranscribed, wire.AudioTranscribed{Text: text, Language: lang})

	_, err = c.deliver(s, text, lang, true)
	return err
}

func (c *Coordinator) handleRequestTTS(s transport.Socket, data json.RawMessage) error {
	var req wire.RequestTTS
	if err := json.Unmarshal(data, &req); err != nil {
		return fault.Wrap(fault.InvalidArgument, "malformed request_tts payload", err)
	}
	sess := c.sessions.Get(s.ID())
	if sess == nil {
		return fault.New(fault.Unauthenticated, "No active session")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fault.New(fault.InvalidArgument, "tts text is empty")
	}
	lang := req.Language
	if lang == "" {
		lang = sess.Language
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SpeechTimeout)
	audio, err := c.cfg.Synthesizer.Synthesize(ctx, req.Text, lang)
	cancel()
	if err != nil || len(audio) == 0 {
		c.log.Warn("synthesis failed", "socket", s.ID(), "error", err)
		c.metrics.Error(fault.UpstreamDegraded.String())
		s.Emit(wire.EventTTSError, wire.TTSError{
			Message:   "speech synthesis failed",
			MessageID: req.MessageID,
		})
		return nil
	}

	// Stream base64 frames with a small pacing delay so a slow receiver is
	// never flooded. This is the one deliberate suspension point in the
	// emit path.
	chunkSize := c.cfg.TTSChunkSize
	total := (len(audio) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		s.Emit(wire.EventAudioStream, wire.AudioStream{
			Chunk:     base64.StdEncoding.EncodeToString(audio[i*chunkSize : end]),
			Index:     i,
			Total:     total,
			IsLast:    i == total-1,
			MessageID: req.MessageID,
		})
		if i < total-1 {
			time.Sleep(c.cfg.TTSFrameDelay)
		}
	}
	return nil
}

func (c *Coordinator) handleUpdateLanguage(s transport.Socket, data json.RawMessage) error {
	var req wire.UpdateLanguage
	if err := json.Unmarshal(data, &req); err != nil {
		return fault.Wrap(fault.InvalidArgument, "malformed update_language payload", err)
	}
	if req.Language == "" {
		return fault.New(fault.InvalidArgument, "language is required")
	}
	if !c.sessions.SetLanguage(s.ID(), req.Language) {
		return fault.New(fault.Unauthenticated, "No active session")
	}
	s.Emit(wire.EventLanguageUpdated, wire.LanguageUpdated{Language: req.Language})
	return nil
}

// leave tears down a session for leave_room or disconnect. Idempotent: a
// socket with no session is a no-op. Runs to completion; leave is never
// cancelled by in-flight sends.
func (c *Coordinator) leave(s transport.Socket, reason string) {
	sess := c.sessions.Get(s.ID())
	if sess == nil {
		return
	}

	lock := c.roomLock(sess.RoomID)
	lock.Lock()
	members := c.sessions.Room(sess.RoomID)
	c.emitToPeers(members, s.ID(), wire.EventCipherKeyInvalidated, wire.CipherKeyInvalidated{Reason: reason})
	c.emitToPeers(members, s.ID(), wire.EventUserLeft, wire.UserLeft{
		Role:     sess.Role,
		DoctorID: sess.DoctorID,
	})

	if sess.Role == wire.RoleDoctor {
		ctx, cancel := c.dbCtx()
		if err := c.cfg.Rooms.ReleaseDoctor(ctx, sess.RoomID, sess.DoctorID); err != nil {
			c.log.Warn("doctor slot release failed", "room", sess.RoomID, "doctor", sess.DoctorID, "error", err)
		}
		cancel()
	}

	c.sessions.Remove(s.ID())
	lock.Unlock()
	c.clearAudio(s.ID())
	c.log.Info("participant left", "room", sess.RoomID, "role", sess.Role, "reason", reason)
}

// emitError reports a failure to the originating socket only. The socket is
// never torn down for a handler failure.
func (c *Coordinator) emitError(s transport.Socket, err error) {
	kind := fault.KindOf(err)
	c.metrics.Error(kind.String())
	if kind == fault.Internal {
		c.log.Error("event handler failed", "socket", s.ID(), "error", err)
	} else {
		c.log.Debug("event rejected", "socket", s.ID(), "kind", kind.String(), "error", err)
	}
	s.Emit(wire.EventError, wire.Error{Message: fault.Message(err)})
}

func (c *Coordinator) trackSocket(s transport.Socket) {
	c.mu.Lock()
	c.sockets[s.ID()] = s
	c.mu.Unlock()
}

func (c *Coordinator) emitTo(socketID, event string, data any) {
	c.mu.Lock()
	sock := c.sockets[socketID]
	c.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.Emit(event, data); err != nil {
		c.log.Debug("emit failed", "socket", socketID, "event", event, "error", err)
	}
}

func (c *Coordinator) emitToPeers(members []*session.Session, selfID, event string, data any) {
	for _, member := range members {
		if member.SocketID == selfID {
			continue
		}
		c.emitTo(member.SocketID, event, data)
	}
}

// roomLock returns the mutex serializing a room's membership-dependent
// sections: join (drain, key exchange), the post-commit fan-out-or-queue
// choice, and leave. Locks are a few words each and are never evicted.
func (c *Coordinator) roomLock(roomID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.roomMu[roomID]
	if !ok {
		l = &sync.Mutex{}
		c.roomMu[roomID] = l
	}
	return l
}

func (c *Coordinator) clearAudio(socketID string) {
	c.mu.Lock()
	delete(c.audioBuf, socketID)
	c.mu.Unlock()
}

func (c *Coordinator) dbCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.DBTimeout)
}

func participants(members []*session.Session) wire.Participants {
	var p wire.Participants
	for _, m := range members {
		switch m.Role {
		case wire.RolePatient:
			p.Patient = true
		case wire.RoleDoctor:
			p.Doctor = true
		}
	}
	return p
}

func peersOf(members []*session.Session, selfID string) []*session.Session {
	peers := make([]*session.Session, 0, len(members))
	for _, m := range members {
		if m.SocketID != selfID {
			peers = append(peers, m)
		}
	}
	return peers
}

// mapStoreErr translates store and crypto sentinels into fault kinds per the
// error table.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return fault.Wrap(fault.NotFound, "room not found", err)
	case errors.Is(err, store.ErrAlreadyClaimed):
		return fault.Wrap(fault.Conflict, "Room already has a doctor assigned", err)
	case errors.Is(err, store.ErrNotClaimant):
		return fault.Wrap(fault.Forbidden, "doctor does not hold this room", err)
	case errors.Is(err, store.ErrEmptyContent),
		errors.Is(err, store.ErrInvalidSender),
		errors.Is(err, store.ErrInvalidPage):
		return fault.Wrap(fault.InvalidArgument, err.Error(), err)
	case errors.Is(err, roomcrypto.ErrUndecryptable),
		errors.Is(err, roomcrypto.ErrMalformedBody):
		return fault.Wrap(fault.DecryptError, "stored message cannot be decrypted", err)
	default:
		return fault.Wrap(fault.Internal, "internal error", err)
	}
}
