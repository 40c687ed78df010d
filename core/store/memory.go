package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telavida/medichat-go/core/roomcrypto"
	"github.com/telavida/medichat-go/core/wire"
)

// Compile-time interface checks.
var (
	_ RoomStore    = (*Memory)(nil)
	_ MessageStore = (*Memory)(nil)
	_ AccountStore = (*Memory)(nil)
)

// Memory is an in-memory implementation of all three stores. Safe for
// concurrent use. Used in tests and single-node development; nothing
// survives a restart. Message bodies are held encrypted, exactly as the
// PostgreSQL backend persists them, and decrypted on read.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	messages map[string][]*memMessage // room id → append order
	accounts map[string]map[string]*Account
	lastTS   map[string]time.Time // room id → last assigned timestamp
	nowFn    func() time.Time     // overridable for testing
}

// memMessage is the at-rest form of a message: bodies are iv:ct hex.
type memMessage struct {
	id             string
	senderRole     wire.Role
	senderID       string
	body           string
	translatedBody string
	language       string
	targetLanguage string
	timestamp      time.Time
	isAudioOrigin  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*Room),
		messages: make(map[string][]*memMessage),
		accounts: make(map[string]map[string]*Account),
		lastTS:   make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// Create makes a room with a fresh cipher key and no doctor.
func (m *Memory) Create(ctx context.Context) (*Room, error) {
	key, err := roomcrypto.NewKey()
	if err != nil {
		return nil, err
	}
	now := m.nowFn()
	room := &Room{
		ID:        uuid.NewString(),
		CipherKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.rooms[room.ID] = room
	m.mu.Unlock()

	copied := *room
	return &copied, nil
}

// Get returns a copy of the room, or ErrRoomNotFound.
func (m *Memory) Get(ctx context.Context, id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	copied := *room
	return &copied, nil
}

// ClaimDoctor binds the doctor slot if empty or already held by doctorID.
func (m *Memory) ClaimDoctor(ctx context.Context, roomID, doctorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.DoctorID != "" && room.DoctorID != doctorID {
		return ErrAlreadyClaimed
	}
	room.DoctorID = doctorID
	room.UpdatedAt = m.nowFn()
	return nil
}

// ReleaseDoctor clears the slot iff held by doctorID.
func (m *Memory) ReleaseDoctor(ctx context.Context, roomID, doctorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.DoctorID == "" {
		return nil // idempotent
	}
	if room.DoctorID != doctorID {
		return ErrNotClaimant
	}
	room.DoctorID = ""
	room.UpdatedAt = m.nowFn()
	return nil
}

// Append validates, encrypts, and stores a message, assigning a timestamp
// that is strictly increasing within the room.
func (m *Memory) Append(ctx context.Context, p AppendParams) (*Message, error) {
	// Encrypt outside the lock; only the append itself needs serializing.
	body, err := roomcrypto.Encrypt(p.Content, p.Key)
	if err != nil {
		return nil, err
	}
	var translatedBody string
	if p.TranslatedContent != "" {
		if translatedBody, err = roomcrypto.Encrypt(p.TranslatedContent, p.Key); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[p.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if err := validateAppend(p, room); err != nil {
		return nil, err
	}

	rec := &memMessage{
		id:             uuid.NewString(),
		senderRole:     p.SenderRole,
		senderID:       p.SenderID,
		body:           body,
		translatedBody: translatedBody,
		language:       p.Language,
		targetLanguage: p.TargetLanguage,
		timestamp:      m.uniqueTimestampLocked(p.RoomID),
		isAudioOrigin:  p.IsAudioOrigin,
	}
	m.messages[p.RoomID] = append(m.messages[p.RoomID], rec)

	return &Message{
		ID:                rec.id,
		RoomID:            p.RoomID,
		SenderRole:        p.SenderRole,
		SenderID:          p.SenderID,
		Content:           p.Content,
		TranslatedContent: p.TranslatedContent,
		Language:          p.Language,
		TargetLanguage:    p.TargetLanguage,
		Timestamp:         rec.timestamp,
		IsAudioOrigin:     p.IsAudioOrigin,
	}, nil
}

// Page returns up to limit messages newest first, skipping offset from the
// newest end.
func (m *Memory) Page(ctx context.Context, roomID, key string, limit, offset int) ([]*Message, error) {
	if err := validatePage(limit, offset); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	log := m.messages[roomID]
	page := make([]*Message, 0, limit)
	for i := len(log) - 1 - offset; i >= 0 && len(page) < limit; i-- {
		rec := log[i]
		content, err := roomcrypto.Decrypt(rec.body, key)
		if err != nil {
			return nil, err
		}
		var translated string
		if rec.translatedBody != "" {
			if translated, err = roomcrypto.Decrypt(rec.translatedBody, key); err != nil {
				return nil, err
			}
		}
		page = append(page, &Message{
			ID:                rec.id,
			RoomID:            roomID,
			SenderRole:        rec.senderRole,
			SenderID:          rec.senderID,
			Content:           content,
			TranslatedContent: translated,
			Language:          rec.language,
			TargetLanguage:    rec.targetLanguage,
			Timestamp:         rec.timestamp,
			IsAudioOrigin:     rec.isAudioOrigin,
		})
	}
	return page, nil
}

// CreateAccount registers a doctor or user credential row.
func (m *Memory) CreateAccount(ctx context.Context, kind, email, digest string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.accounts[kind]
	if table == nil {
		table = make(map[string]*Account)
		m.accounts[kind] = table
	}
	if _, exists := table[email]; exists {
		return nil, ErrEmailTaken
	}
	now := m.nowFn()
	acct := &Account{
		ID:             uuid.NewString(),
		Email:          email,
		PasswordDigest: digest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	table[email] = acct

	copied := *acct
	return &copied, nil
}

// GetByEmail looks up an account in the given kind's table.
func (m *Memory) GetByEmail(ctx context.Context, kind, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[kind][email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *acct
	return &copied, nil
}

// uniqueTimestampLocked returns a timestamp strictly greater than any
// previously assigned in the room, bumping by a microsecond when the wall
// clock has not advanced. Callers must hold m.mu.
func (m *Memory) uniqueTimestampLocked(roomID string) time.Time {
	ts := m.nowFn()
	if last, ok := m.lastTS[roomID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	m.lastTS[roomID] = ts
	return ts
}
