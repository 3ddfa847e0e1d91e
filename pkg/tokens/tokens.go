// Package tokens implements the Token Store (C2): issuance, validation,
// revocation, listing, and metering of bearer credentials used to
// authenticate inbound A2A calls. Persistence follows the teacher's
// credentials-file pattern in pkg/auth — a single JSON document written
// atomically (temp file + rename, mode 0600) — generalized from one
// account record to a map of tokens keyed by id.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kestrelctl/a2arelay/pkg/a2aerrors"
)

// Tier is a symbolic permission level determining default scope.
type Tier string

const (
	TierPublic  Tier = "public"
	TierFriends Tier = "friends"
	TierFamily  Tier = "family"
	TierCustom  Tier = "custom"
)

// Disclosure controls how much of the owner's identity is revealed to the caller.
type Disclosure string

const (
	DisclosurePublic  Disclosure = "public"
	DisclosureMinimal Disclosure = "minimal"
	DisclosureNone    Disclosure = "none"
)

// NotifyLevel controls owner-notification verbosity for this token's calls.
type NotifyLevel string

const (
	NotifyAll     NotifyLevel = "all"
	NotifySummary NotifyLevel = "summary"
	NotifyNone    NotifyLevel = "none"
)

// RateLimits bounds admitted /invoke calls on wall-clock UTC boundaries.
type RateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// usageWindow tracks calls admitted within the current wall-clock bucket.
type usageWindow struct {
	MinuteKey string `json:"minute_key"`
	MinuteN   int    `json:"minute_n"`
	HourKey   string `json:"hour_key"`
	HourN     int    `json:"hour_n"`
	DayKey    string `json:"day_key"`
	DayN      int    `json:"day_n"`
}

// Record is a persisted token entry. The wire token itself is never stored.
type Record struct {
	ID              string      `json:"id"`
	SecretHash      string      `json:"secret_hash"`
	Name            string      `json:"name"`
	Owner           string      `json:"owner"`
	Tier            Tier        `json:"tier"`
	AllowedTopics   []string    `json:"allowed_topics"`
	AllowedGoals    []string    `json:"allowed_goals"`
	Disclosure      Disclosure  `json:"disclosure"`
	Notify          NotifyLevel `json:"notify"`
	MaxCalls        *int64      `json:"max_calls,omitempty"`
	CallsMade       int64       `json:"calls_made"`
	RateLimits      RateLimits  `json:"rate_limits"`
	Usage           usageWindow `json:"usage"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	LastUsed        *time.Time  `json:"last_used,omitempty"`
	Revoked         bool        `json:"revoked"`
	LinkedContactID string      `json:"linked_contact_id,omitempty"`
}

// Spec describes a token to be minted by Create.
type Spec struct {
	Name            string
	Owner           string
	Tier            Tier
	AllowedTopics   []string
	AllowedGoals    []string
	Disclosure      Disclosure
	Notify          NotifyLevel
	MaxCalls        *int64
	RateLimits      RateLimits
	ExpiresAt       *time.Time
	LinkedContactID string
}

// document is the on-disk shape: a map of token id to Record.
type document struct {
	Tokens map[string]*Record `json:"tokens"`
}

// Store is the file-backed, in-process-shared Token Store.
type Store struct {
	path string
	mu   sync.Mutex
	doc  *document
}

// NewStore opens (or lazily creates on first write) the JSON token
// document at path. A missing file is tolerated; a corrupt one is a
// loud, immediate error — the store never silently overwrites it.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = &document{Tokens: map[string]*Record{}}
			return s, nil
		}
		return nil, errors.Wrap(err, "failed to read token store")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "token store file is corrupt; recover manually before restarting")
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]*Record{}
	}
	s.doc = &doc
	return s, nil
}

const wireTokenPrefix = "fed_"

func generateWireToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return wireTokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashWireToken(wireToken string) string {
	sum := sha256.Sum256([]byte(wireToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Create mints a new token, returning the one-time wire token and its
// persisted record. The wire token is never retained by the store.
func (s *Store) Create(spec Spec) (string, *Record, error) {
	wireToken, err := generateWireToken()
	if err != nil {
		return "", nil, err
	}

	rec := &Record{
		ID:              "tok_" + uuid.NewString()[:8],
		SecretHash:      hashWireToken(wireToken),
		Name:            spec.Name,
		Owner:           spec.Owner,
		Tier:            spec.Tier,
		AllowedTopics:   spec.AllowedTopics,
		AllowedGoals:    spec.AllowedGoals,
		Disclosure:      spec.Disclosure,
		Notify:          spec.Notify,
		MaxCalls:        spec.MaxCalls,
		RateLimits:      spec.RateLimits,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       spec.ExpiresAt,
		LinkedContactID: spec.LinkedContactID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Tokens[rec.ID] = rec
	if err := s.saveLocked(); err != nil {
		delete(s.doc.Tokens, rec.ID)
		return "", nil, err
	}

	clone := *rec
	return wireToken, &clone, nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Reason a2aerrors.Code
	Record *Record
}

// Validate checks a wire token against the validation ordering in
// spec.md §4.1: existence, revocation, expiry, call quota, then rate
// windows, with the first failure winning.
func (s *Store) Validate(wireToken string) ValidationResult {
	hash := hashWireToken(wireToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Record
	for _, rec := range s.doc.Tokens {
		if rec.SecretHash == hash {
			found = rec
			break
		}
	}
	if found == nil {
		return ValidationResult{Valid: false, Reason: a2aerrors.TokenInvalidOrExpired}
	}
	if found.Revoked {
		return ValidationResult{Valid: false, Reason: a2aerrors.TokenRevoked, Record: found}
	}
	now := time.Now().UTC()
	if found.ExpiresAt != nil && now.After(*found.ExpiresAt) {
		return ValidationResult{Valid: false, Reason: a2aerrors.TokenExpired, Record: found}
	}
	if found.MaxCalls != nil && found.CallsMade >= *found.MaxCalls {
		return ValidationResult{Valid: false, Reason: a2aerrors.RateLimited, Record: found}
	}
	if rateLimited(found, now) {
		return ValidationResult{Valid: false, Reason: a2aerrors.RateLimited, Record: found}
	}

	clone := *found
	return ValidationResult{Valid: true, Record: &clone}
}

func bucketKeys(t time.Time) (minute, hour, day string) {
	return t.Format("2006-01-02T15:04"), t.Format("2006-01-02T15"), t.Format("2006-01-02")
}

// rateLimited reports whether admitting one more call at `now` would
// exceed any configured wall-clock-windowed rate limit. It does not
// mutate usage counters — that happens in Admit, under the store's mutex.
func rateLimited(rec *Record, now time.Time) bool {
	minuteKey, hourKey, dayKey := bucketKeys(now)

	minuteN := rec.Usage.MinuteN
	if rec.Usage.MinuteKey != minuteKey {
		minuteN = 0
	}
	hourN := rec.Usage.HourN
	if rec.Usage.HourKey != hourKey {
		hourN = 0
	}
	dayN := rec.Usage.DayN
	if rec.Usage.DayKey != dayKey {
		dayN = 0
	}

	if rec.RateLimits.PerMinute > 0 && minuteN >= rec.RateLimits.PerMinute {
		return true
	}
	if rec.RateLimits.PerHour > 0 && hourN >= rec.RateLimits.PerHour {
		return true
	}
	if rec.RateLimits.PerDay > 0 && dayN >= rec.RateLimits.PerDay {
		return true
	}
	return false
}

// Admit is the atomic authority behind spec.md §5's "metering is atomic;
// simultaneous calls on the same token may all pass validation but
// serialize at the meter and obey max_calls as a strict upper bound."
// Validate is a cheap read-only fast-path check that reserves nothing, so
// concurrent callers may all pass it; Admit re-checks
// call quota and rate-limit windows under the store's lock and, only if
// still within bounds, increments usage in the same critical section —
// so two concurrent callers that both passed Validate can't both commit
// past max_calls. admitted is false (with no error and no mutation) when
// the token would exceed its quota or a rate-limit window at this instant.
func (s *Store) Admit(id string) (admitted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Tokens[id]
	if !ok {
		return false, errors.Errorf("token %s not found", id)
	}

	now := time.Now().UTC()
	if rec.MaxCalls != nil && rec.CallsMade >= *rec.MaxCalls {
		return false, nil
	}
	if rateLimited(rec, now) {
		return false, nil
	}

	minuteKey, hourKey, dayKey := bucketKeys(now)
	if rec.Usage.MinuteKey != minuteKey {
		rec.Usage.MinuteKey = minuteKey
		rec.Usage.MinuteN = 0
	}
	if rec.Usage.HourKey != hourKey {
		rec.Usage.HourKey = hourKey
		rec.Usage.HourN = 0
	}
	if rec.Usage.DayKey != dayKey {
		rec.Usage.DayKey = dayKey
		rec.Usage.DayN = 0
	}
	rec.Usage.MinuteN++
	rec.Usage.HourN++
	rec.Usage.DayN++

	rec.CallsMade++
	rec.LastUsed = &now

	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Revoke marks a token as revoked; it remains in the store for audit.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Tokens[id]
	if !ok {
		return errors.Errorf("token %s not found", id)
	}
	rec.Revoked = true
	return s.saveLocked()
}

// List returns a snapshot of all persisted token records.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.doc.Tokens))
	for _, rec := range s.doc.Tokens {
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

// FindByID returns the token record for id, if present.
func (s *Store) FindByID(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Tokens[id]
	if !ok {
		return nil, false
	}
	clone := *rec
	return &clone, true
}

// saveLocked persists the document via write-to-temp-then-rename. Caller
// must hold s.mu.
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create token store directory")
	}

	tmp, err := os.CreateTemp(dir, "tokens-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary token store file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.doc); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write token store")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync token store")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary token store file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return errors.Wrap(err, "failed to set token store permissions")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "failed to save token store")
	}

	success = true
	return nil
}
