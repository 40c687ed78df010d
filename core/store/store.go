// Package store defines the durable stores backing the chat core: rooms with
// their cipher keys, the encrypted message log, and the doctor/user account
// tables consumed by the HTTP surface.
//
// Two backends are provided: an in-memory implementation (tests, single-node
// development) and a PostgreSQL implementation via pgx. Both enforce the same
// write-time invariants through the shared validation in this file.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/telavida/medichat-go/core/wire"
)

// Page size bounds for MessageStore.Page.
const (
	MinPageLimit = 1
	MaxPageLimit = 100
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrAlreadyClaimed  = errors.New("room already has a doctor assigned")
	ErrNotClaimant     = errors.New("doctor does not hold this room")
	ErrInvalidPage     = errors.New("page limit or offset out of range")
	ErrInvalidSender   = errors.New("sender fields violate role invariants")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrEmailTaken      = errors.New("email already registered")
	ErrAccountNotFound = errors.New("account not found")
)

// Room binds a symmetric key to at most one claiming doctor. DoctorID is
// empty while the doctor slot is unclaimed.
type Room struct {
	ID        string
	DoctorID  string
	CipherKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a decrypted view of one persisted message. Stores return
// decrypted content so callers never touch ciphertext.
type Message struct {
	ID                string
	RoomID            string
	SenderRole        wire.Role
	SenderID          string // empty for patient messages
	Content           string
	TranslatedContent string // empty when no translation was produced
	Language          string
	TargetLanguage    string
	Timestamp         time.Time
	IsAudioOrigin     bool
}

// AppendParams are the inputs to MessageStore.Append. Content and
// TranslatedContent are plaintext; the store encrypts under Key.
type AppendParams struct {
	RoomID            string
	SenderRole        wire.Role
	SenderID          string
	Content           string
	TranslatedContent string
	Language          string
	TargetLanguage    string
	IsAudioOrigin     bool
	Key               string
}

// RoomStore persists rooms and serializes doctor slot transitions.
type RoomStore interface {
	// Create makes a room with a fresh cipher key and no doctor.
	Create(ctx context.Context) (*Room, error)

	// Get returns the room, or ErrRoomNotFound.
	Get(ctx context.Context, id string) (*Room, error)

	// ClaimDoctor binds the doctor slot. Succeeds if the slot is empty or
	// already held by doctorID; returns ErrAlreadyClaimed if held by another
	// doctor. Atomic with respect to concurrent claims.
	ClaimDoctor(ctx context.Context, roomID, doctorID string) error

	// ReleaseDoctor clears the slot iff held by doctorID; returns
	// ErrNotClaimant otherwise. Releasing an already-empty slot succeeds,
	// making release idempotent for the last claimant.
	ReleaseDoctor(ctx context.Context, roomID, doctorID string) error
}

// MessageStore persists the append-only encrypted message log.
type MessageStore interface {
	// Append validates the role invariants, encrypts, persists, and returns
	// the stored message with decrypted content and the authoritative
	// timestamp.
	Append(ctx context.Context, p AppendParams) (*Message, error)

	// Page returns up to limit messages, newest first, skipping offset
	// records from the newest end, decrypted under key.
	Page(ctx context.Context, roomID, key string, limit, offset int) ([]*Message, error)
}

// Account is a doctor or user credential row. The chat core reads accounts
// only through token claims; this store serves the HTTP auth surface.
type Account struct {
	ID             string
	Email          string
	PasswordDigest string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountStore persists doctor and user accounts. kind selects the table and
// must be token.KindDoctor or token.KindUser.
type AccountStore interface {
	CreateAccount(ctx context.Context, kind, email, digest string) (*Account, error)
	GetByEmail(ctx context.Context, kind, email string) (*Account, error)
}

// validateAppend enforces the write-time invariants shared by all backends:
// non-empty content, patient anonymity, and doctor attribution against the
// room's current claimant.
func validateAppend(p AppendParams, room *Room) error {
	if strings.TrimSpace(p.Content) == "" {
		return ErrEmptyContent
	}
	switch p.SenderRole {
	case wire.RolePatient:
		if p.SenderID != "" {
			return ErrInvalidSender
		}
	case wire.RoleDoctor:
		if p.SenderID == "" {
			return ErrInvalidSender
		}
		if room.DoctorID != p.SenderID {
			return ErrNotClaimant
		}
	default:
		return ErrInvalidSender
	}
	return nil
}

// validatePage bounds-checks pagination arguments.
func validatePage(limit, offset int) error {
	if limit < MinPageLimit || limit > MaxPageLimit || offset < 0 {
		return ErrInvalidPage
	}
	return nil
}
