package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/agrovision/riceguard/internal/logger"
)

var (
	// ErrDuplicateIdentifier is returned when registering an identifier that already exists.
	ErrDuplicateIdentifier = errors.New("identifier already registered")
	// ErrWeakCredential is returned when a password fails the strength policy.
	ErrWeakCredential = errors.New("password does not meet the strength policy")
	// ErrNotFound is returned when authenticating an unknown identifier.
	ErrNotFound = errors.New("identifier not found")
	// ErrInvalidCredential is returned when the password does not match.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidIdentifier is returned when a registration identifier is empty.
	ErrInvalidIdentifier = errors.New("identifier must not be empty")
)

// Account is a registered user. The credential hash never leaves the store.
type Account struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	FarmSize   string    `json:"farm_size,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Profile carries the optional registration fields.
type Profile struct {
	Name     string
	Location string
	FarmSize string
	Phone    string
}

// record is the on-disk shape of one account.
type record struct {
	Account
	CredentialHash []byte `json:"credential_hash"`
}

// PasswordPolicy is the minimum-strength policy applied at registration.
type PasswordPolicy struct {
	MinLength           int
	RequireMixedClasses bool // at least one letter and one digit
}

// Check returns ErrWeakCredential when the password fails the policy.
func (p PasswordPolicy) Check(password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakCredential, p.MinLength)
	}
	if p.RequireMixedClasses {
		var hasLetter, hasDigit bool
		for _, r := range password {
			switch {
			case unicode.IsLetter(r):
				hasLetter = true
			case unicode.IsDigit(r):
				hasDigit = true
			}
		}
		if !hasLetter || !hasDigit {
			return fmt.Errorf("%w: letters and digits required", ErrWeakCredential)
		}
	}
	return nil
}

// Store is a durable, file-backed credential store. The full mapping is held
// in memory; every successful mutation is flushed with an atomic file replace.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]record
	policy  PasswordPolicy
	cost    int
	log     *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithLogger sets the store logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open loads the store from path, creating an empty store when the file does
// not exist. A corrupted record is skipped and logged; it never prevents the
// remaining records from loading.
func Open(path string, policy PasswordPolicy, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]record),
		policy:  policy,
		cost:    bcrypt.DefaultCost,
		log:     logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse account store %s: %w", path, err)
	}
	for id, msg := range raw {
		var rec record
		if err := json.Unmarshal(msg, &rec); err != nil {
			s.log.Warn("Account", "skipping corrupted record %q: %v", id, err)
			continue
		}
		if len(rec.CredentialHash) == 0 {
			s.log.Warn("Account", "skipping record %q: missing credential hash", id)
			continue
		}
		rec.Identifier = id
		s.records[id] = rec
	}
	return s, nil
}

// Register creates a new account and persists the store.
func (s *Store) Register(identifier, password string, profile Profile) (Account, error) {
	if identifier == "" {
		return Account{}, ErrInvalidIdentifier
	}
	if err := s.policy.Check(password); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[identifier]; ok {
		return Account{}, ErrDuplicateIdentifier
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Account{}, fmt.Errorf("hash credential: %w", err)
	}

	rec := record{
		Account: Account{
			Identifier: identifier,
			Name:       profile.Name,
			Location:   profile.Location,
			FarmSize:   profile.FarmSize,
			Phone:      profile.Phone,
			CreatedAt:  time.Now().UTC(),
		},
		CredentialHash: hash,
	}

	s.records[identifier] = rec
	if err := s.flushLocked(); err != nil {
		// Roll back the in-memory mutation so a failed flush leaves no
		// partial state.
		delete(s.records, identifier)
		return Account{}, err
	}

	s.log.Info("Account", "registered %s", identifier)
	return rec.Account, nil
}

// Authenticate verifies an identifier/password pair. bcrypt's comparison is
// constant time with respect to the stored hash.
func (s *Store) Authenticate(identifier, password string) (Account, error) {
	s.mu.RLock()
	rec, ok := s.records[identifier]
	s.mu.RUnlock()

	if !ok {
		return Account{}, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword(rec.CredentialHash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredential
	}
	return rec.Account, nil
}

// Lookup returns the account for an identifier without checking credentials.
// Used by callers that already hold a verified session token.
func (s *Store) Lookup(identifier string) (Account, error) {
	s.mu.RLock()
	rec, ok := s.records[identifier]
	s.mu.RUnlock()

	if !ok {
		return Account{}, ErrNotFound
	}
	return rec.Account, nil
}

// Len returns the number of loaded accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// flushLocked writes the full mapping to a temporary file and atomically
// replaces the store file. Caller must hold the write lock.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
