// Package wire defines the socket event vocabulary: event names and the JSON
// payload shapes exchanged between clients and the room coordinator.
//
// Frames on the wire are envelopes of the form
//
//	{"event": "send_message", "data": {...}}
//
// with data holding one of the payload structs below.
package wire

import "encoding/json"

// Inbound event names (client → server).
const (
	EventJoinRoom       = "join_room"
	EventSendMessage    = "send_message"
	EventAudioChunk     = "audio_chunk"
	EventRequestTTS     = "request_tts"
	EventUpdateLanguage = "update_language"
	EventLeaveRoom      = "leave_room"
)

// Outbound event names (server → client).
const (
	EventRoomJoined           = "room_joined"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventNewMessage           = "new_message"
	EventMessageSent          = "message_sent"
	EventMessageTranslated    = "message_translated"
	EventCipherKeyExchange    = "cipher_key_exchange"
	EventCipherKeyInvalidated = "cipher_key_invalidated"
	EventAudioTranscribed     = "audio_transcribed"
	EventAudioStream          = "audio_stream"
	EventSTTError             = "stt_error"
	EventTTSError             = "tts_error"
	EventLanguageUpdated      = "language_updated"
	EventError                = "error"
)

// Role is a participant role within a room.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool { return r == RolePatient || r == RoleDoctor }

// Envelope is a single socket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoom is the payload of a join_room event.
type JoinRoom struct {
	RoomID   string `json:"room_id"`
	Role     Role   `json:"role"`
	Language string `json:"language,omitempty"`
}

// SendMessage is the payload of a send_message event.
type SendMessage struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	IsAudio  bool   `json:"is_audio,omitempty"`
}

// AudioChunk is one frame of a streamed audio upload. Chunk is base64.
type AudioChunk struct {
	Chunk    string `json:"chunk"`
	IsLast   bool   `json:"is_last,omitempty"`
	Language string `json:"language,omitempty"`
}

// RequestTTS asks the server to synthesize speech for a piece of text.
type RequestTTS struct {
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// UpdateLanguage changes the session's preferred language.
type UpdateLanguage struct {
	Language string `json:"language"`
}

// Participants reports which roles are present in a room.
type Participants struct {
	Patient bool `json:"patient"`
	Doctor  bool `json:"doctor"`
}

// RoomJoined confirms a join to the joining socket.
type RoomJoined struct {
	RoomID       string       `json:"room_id"`
	Role         Role         `json:"role"`
	DoctorID     string       `json:"doctor_id,omitempty"`
	Participants Participants `json:"participants"`
}

// UserJoined notifies peers that a participant entered the room.
type UserJoined struct {
	Role     Role   `json:"role"`
	DoctorID string `json:"doctor_id,omitempty"`
}

// UserLeft notifies peers that a participant left the room.
type UserLeft struct {
	Role     Role   `json:"role"`
	DoctorID string `json:"doctor_id,omitempty"`
}

// NewMessage delivers a message to peers (or a queued message to a joiner).
type NewMessage struct {
	ID                 string `json:"id"`
	RoomID             string `json:"room_id"`
	Content            string `json:"content"`
	TranslatedContent  string `json:"translated_content,omitempty"`
	Language           string `json:"language"`
	TargetLanguage     string `json:"target_language,omitempty"`
	SenderRole         Role   `json:"sender_role"`
	SenderID           string `json:"sender_id,omitempty"`
	Timestamp          int64  `json:"timestamp"`
	IsAudioOrigin      bool   `json:"is_audio_origin,omitempty"`
	TranslationErrored bool   `json:"translation_errored,omitempty"`
}

// MessageSent confirms persistence to the sender.
type MessageSent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// MessageTranslated carries a successful translation alongside new_message.
type MessageTranslated struct {
	ID                string `json:"id"`
	TranslatedContent string `json:"translated_content"`
	TargetLanguage    string `json:"target_language"`
}

// CipherKeyExchange issues the room key to a participant. The key is 64
// lowercase hex characters.
type CipherKeyExchange struct {
	CipherKey string `json:"cipher_key"`
}

// Invalidation reasons for CipherKeyInvalidated.
const (
	ReasonParticipantLeft         = "participant_left"
	ReasonParticipantDisconnected = "participant_disconnected"
)

// CipherKeyInvalidated advises peers that their copy of the key is stale.
type CipherKeyInvalidated struct {
	Reason string `json:"reason"`
}

// AudioTranscribed returns the transcript of an uploaded audio stream.
type AudioTranscribed struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// AudioStream is one base64 frame of synthesized speech.
type AudioStream struct {
	Chunk     string `json:"chunk"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	IsLast    bool   `json:"is_last"`
	MessageID string `json:"message_id,omitempty"`
}

// STTError reports a failed transcription to the uploader.
type STTError struct {
	Message string `json:"message"`
}

// TTSError reports a failed synthesis to the requester.
type TTSError struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// LanguageUpdated confirms an update_language event.
type LanguageUpdated struct {
	Language string `json:"language"`
}

// Error is the generic failure event, sent only to the originating socket.
type Error struct {
	Message string `json:"message"`
}
