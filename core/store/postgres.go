package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telavida/medichat-go/core/roomcrypto"
	"github.com/telavida/medichat-go/core/token"
	"github.com/telavida/medichat-go/core/wire"
)

// Compile-time interface checks.
var (
	_ RoomStore    = (*Postgres)(nil)
	_ MessageStore = (*Postgres)(nil)
	_ AccountStore = (*Postgres)(nil)
)

// Schema is the DDL applied by the migrate command.
const Schema = `
CREATE TABLE IF NOT EXISTS doctors (
    id              UUID PRIMARY KEY,
    email           TEXT NOT NULL UNIQUE,
    password_digest TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id              UUID PRIMARY KEY,
    email           TEXT NOT NULL UNIQUE,
    password_digest TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rooms (
    id         UUID PRIMARY KEY,
    doctor_id  UUID REFERENCES doctors(id),
    cipher_key TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
    id                 UUID PRIMARY KEY,
    room_id            UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    sender_role        TEXT NOT NULL CHECK (sender_role IN ('patient', 'doctor')),
    sender_id          UUID,
    content            TEXT NOT NULL,
    translated_content TEXT,
    language           TEXT NOT NULL,
    target_language    TEXT,
    timestamp          TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_audio_origin    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_messages_room_id   ON messages(room_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_rooms_doctor_id    ON rooms(doctor_id);
`

// Postgres implements the room, message, and account stores over a pgx
// connection pool. The doctor-slot transitions use conditional updates so
// concurrent claims serialize at the row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies the schema. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}

// Create makes a room with a fresh cipher key and no doctor.
func (p *Postgres) Create(ctx context.Context) (*Room, error) {
	key, err := roomcrypto.NewKey()
	if err != nil {
		return nil, err
	}
	room := &Room{ID: uuid.NewString(), CipherKey: key}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO rooms (id, cipher_key) VALUES ($1, $2)
		 RETURNING created_at, updated_at`,
		room.ID, room.CipherKey,
	).Scan(&room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting room: %w", err)
	}
	return room, nil
}

// Get returns the room, or ErrRoomNotFound.
func (p *Postgres) Get(ctx context.Context, id string) (*Room, error) {
	room := &Room{ID: id}
	var doctorID *string
	err := p.pool.QueryRow(ctx,
		`SELECT doctor_id, cipher_key, created_at, updated_at FROM rooms WHERE id = $1`,
		id,
	).Scan(&doctorID, &room.CipherKey, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting room: %w", err)
	}
	if doctorID != nil {
		room.DoctorID = *doctorID
	}
	return room, nil
}

// ClaimDoctor binds the doctor slot via a conditional update.
func (p *Postgres) ClaimDoctor(ctx context.Context, roomID, doctorID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rooms SET doctor_id = $2, updated_at = now()
		 WHERE id = $1 AND (doctor_id IS NULL OR doctor_id = $2)`,
		roomID, doctorID,
	)
	if err != nil {
		return fmt.Errorf("claiming doctor slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Nothing updated: the room is missing or held by another doctor.
	if _, err := p.Get(ctx, roomID); err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

// ReleaseDoctor clears the slot iff held by doctorID.
func (p *Postgres) ReleaseDoctor(ctx context.Context, roomID, doctorID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rooms SET doctor_id = NULL, updated_at = now()
		 WHERE id = $1 AND (doctor_id IS NULL OR doctor_id = $2)`,
		roomID, doctorID,
	)
	if err != nil {
		return fmt.Errorf("releasing doctor slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.Get(ctx, roomID); err != nil {
		return err
	}
	return ErrNotClaimant
}

// Append validates, encrypts, and inserts a message. The claimant check and
// the insert share one transaction so a concurrent claim change cannot
// misattribute the message.
func (p *Postgres) Append(ctx context.Context, params AppendParams) (*Message, error) {
	body, err := roomcrypto.Encrypt(params.Content, params.Key)
	if err != nil {
		return nil, err
	}
	var translatedBody *string
	if params.TranslatedContent != "" {
		tb, err := roomcrypto.Encrypt(params.TranslatedContent, params.Key)
		if err != nil {
			return nil, err
		}
		translatedBody = &tb
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room := &Room{ID: params.RoomID}
	var doctorID *string
	err = tx.QueryRow(ctx,
		`SELECT doctor_id FROM rooms WHERE id = $1 FOR SHARE`, params.RoomID,
	).Scan(&doctorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking room row: %w", err)
	}
	if doctorID != nil {
		room.DoctorID = *doctorID
	}
	if err := validateAppend(params, room); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:                uuid.NewString(),
		RoomID:            params.RoomID,
		SenderRole:        params.SenderRole,
		SenderID:          params.SenderID,
		Content:           params.Content,
		TranslatedContent: params.TranslatedContent,
		Language:          params.Language,
		TargetLanguage:    params.TargetLanguage,
		IsAudioOrigin:     params.IsAudioOrigin,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages
		   (id, room_id, sender_role, sender_id, content, translated_content,
		    language, target_language, is_audio_origin)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		 RETURNING timestamp`,
		msg.ID, msg.RoomID, string(msg.SenderRole), msg.SenderID, body,
		translatedBody, msg.Language, msg.TargetLanguage, msg.IsAudioOrigin,
	).Scan(&msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}
	return msg, nil
}

// Page returns up to limit messages newest first, decrypted under key.
func (p *Postgres) Page(ctx context.Context, roomID, key string, limit, offset int) ([]*Message, error) {
	if err := validatePage(limit, offset); err != nil {
		return nil, err
	}
	if _, err := p.Get(ctx, roomID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, sender_role, sender_id, content, translated_content,
		        language, target_language, timestamp, is_audio_origin
		 FROM messages WHERE room_id = $1
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		roomID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting message page: %w", err)
	}
	defer rows.Close()

	var page []*Message
	for rows.Next() {
		msg := &Message{RoomID: roomID}
		var role string
		var senderID, translatedBody, targetLang *string
		var body string
		if err := rows.Scan(&msg.ID, &role, &senderID, &body, &translatedBody,
			&msg.Language, &targetLang, &msg.Timestamp, &msg.IsAudioOrigin); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.SenderRole = wire.Role(role)
		if senderID != nil {
			msg.SenderID = *senderID
		}
		if targetLang != nil {
			msg.TargetLanguage = *targetLang
		}
		if msg.Content, err = roomcrypto.Decrypt(body, key); err != nil {
			return nil, err
		}
		if translatedBody != nil {
			if msg.TranslatedContent, err = roomcrypto.Decrypt(*translatedBody, key); err != nil {
				return nil, err
			}
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message page: %w", err)
	}
	if page == nil {
		page = []*Message{}
	}
	return page, nil
}

// CreateAccount inserts into the doctors or users table per kind.
func (p *Postgres) CreateAccount(ctx context.Context, kind, email, digest string) (*Account, error) {
	table, err := accountTable(kind)
	if err != nil {
		return nil, err
	}
	acct := &Account{ID: uuid.NewString(), Email: email, PasswordDigest: digest}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (id, email, password_digest) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		acct.ID, acct.Email, acct.PasswordDigest,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// GetByEmail looks up an account in the doctors or users table per kind.
func (p *Postgres) GetByEmail(ctx context.Context, kind, email string) (*Account, error) {
	table, err := accountTable(kind)
	if err != nil {
		return nil, err
	}
	acct := &Account{Email: email}
	err = p.pool.QueryRow(ctx,
		`SELECT id, password_digest, created_at, updated_at FROM `+table+` WHERE email = $1`,
		email,
	).Scan(&acct.ID, &acct.PasswordDigest, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting account: %w", err)
	}
	return acct, nil
}

func accountTable(kind string) (string, error) {
	switch kind {
	case token.KindDoctor:
		return "doctors", nil
	case token.KindUser:
		return "users", nil
	default:
		return "", fmt.Errorf("unknown account kind %q", kind)
	}
}
