// Package account manages users: two-step email-verified signup, password
// authentication, per-user model settings, and cumulative spend tracking.
package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/lectio/backend"
)

var (
	ErrUsernameTaken    = errors.New("username already taken")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUserNotFound     = errors.New("user not found")
	ErrBadCredentials   = errors.New("invalid username or password")
	ErrBadCode          = errors.New("invalid or expired verification code")
	ErrExternalNeedsKey = errors.New("external model requires an API key")
)

// User is one account row.
type User struct {
	ID            string
	Username      string
	Email         string
	Verified      bool
	TotalSpentUSD float64
	CreatedAt     time.Time
}

// pendingSignup holds a signup awaiting its emailed code. Kept in memory:
// the codes are short-lived and losing them on restart just means the user
// requests a new one.
type pendingSignup struct {
	Username     string
	Email        string
	PasswordHash string
	Code         string
	CreatedAt    time.Time
}

const codeTTL = 15 * time.Minute

// Sender delivers a verification code to an address.
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Store is the account service.
type Store struct {
	db     *sql.DB
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSignup // keyed by email
}

// NewStore builds a Store. sender may not be nil; use LogSender in
// environments without mail.
func NewStore(db *sql.DB, sender Sender, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		sender:  sender,
		logger:  logger,
		pending: make(map[string]pendingSignup),
	}
}

// hashPassword pre-hashes with SHA-256 so passwords longer than bcrypt's
// 72-byte limit are still fully significant.
func hashPassword(password string) (string, error) {
	pre := sha256.Sum256([]byte(password))
	hashed, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(pre[:])), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func checkPassword(hash, password string) bool {
	pre := sha256.Sum256([]byte(password))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(hex.EncodeToString(pre[:]))) == nil
}

// newCode draws a 6-digit verification code.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// RequestSignup checks uniqueness, mails a verification code, and parks the
// signup until Verify. The password is hashed immediately so the plaintext
// never sits in memory longer than this call.
func (s *Store) RequestSignup(ctx context.Context, username, password, email string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if exists > 0 {
		return ErrUsernameTaken
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, email).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return ErrEmailTaken
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	code, err := newCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	if err := s.sender.SendCode(ctx, email, code); err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}

	s.mu.Lock()
	s.pending[email] = pendingSignup{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Code:         code,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("signup requested", "username", username)
	return nil
}

// Verify consumes a pending signup and creates the account.
func (s *Store) Verify(ctx context.Context, email, code string) (*User, error) {
	s.mu.Lock()
	p, ok := s.pending[email]
	if ok && (p.Code != code || time.Since(p.CreatedAt) > codeTTL) {
		ok = false
	}
	if ok {
		delete(s.pending, email)
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrBadCode
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, verified, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		id, p.Username, p.Email, p.PasswordHash, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user created", "user_id", id, "username", p.Username)
	return &User{ID: id, Username: p.Username, Email: p.Email, Verified: true, CreatedAt: now}, nil
}

// Authenticate checks a username/password pair. The same error comes back
// for unknown users and wrong passwords.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var (
		u    User
		hash string
		ms   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, verified, total_spent_usd, created_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Email, &hash, &u.Verified, &u.TotalSpentUSD, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !checkPassword(hash, password) {
		return nil, ErrBadCredentials
	}
	u.CreatedAt = time.UnixMilli(ms)
	return &u, nil
}

// Get loads a user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	var (
		u  User
		ms int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, verified, total_spent_usd, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.Verified, &u.TotalSpentUSD, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(ms)
	return &u, nil
}

// GetSettings loads the backend settings for a user.
func (s *Store) GetSettings(ctx context.Context, id string) (backend.Settings, error) {
	var set backend.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT preferred_model, api_key, custom_prompt, audio_language, audio_model
		FROM users WHERE id = ?`, id).
		Scan(&set.PreferredModel, &set.APIKey, &set.CustomPrompt, &set.AudioLanguage, &set.AudioModel)
	if errors.Is(err, sql.ErrNoRows) {
		return set, ErrUserNotFound
	}
	if err != nil {
		return set, fmt.Errorf("load settings: %w", err)
	}
	return set, nil
}

// SaveSettings stores the user's backend settings. Selecting an external
// model without a key on file is rejected here, not at upload time.
func (s *Store) SaveSettings(ctx context.Context, id string, set backend.Settings) error {
	if set.PreferredModel != "" && set.PreferredModel != "local" && set.APIKey == "" {
		cur, err := s.GetSettings(ctx, id)
		if err != nil {
			return err
		}
		if cur.APIKey == "" {
			return ErrExternalNeedsKey
		}
		set.APIKey = cur.APIKey
	}
	if set.AudioModel < 1 || set.AudioModel > 3 {
		set.AudioModel = 2
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET preferred_model = ?, api_key = ?, custom_prompt = ?, audio_language = ?, audio_model = ?
		WHERE id = ?`,
		set.PreferredModel, set.APIKey, set.CustomPrompt, set.AudioLanguage, set.AudioModel, id)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddUsage accumulates spend from one completed external job.
func (s *Store) AddUsage(ctx context.Context, id string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET total_spent_usd = total_spent_usd + ? WHERE id = ?`, usd, id)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetUsage returns the user's cumulative spend in USD.
func (s *Store) GetUsage(ctx context.Context, id string) (float64, error) {
	var usd float64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_spent_usd FROM users WHERE id = ?`, id).Scan(&usd)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load usage: %w", err)
	}
	return usd, nil
}
