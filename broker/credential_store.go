package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marketmind/marketmind-gateway/broker/store"
	"github.com/marketmind/marketmind-gateway/broker/ticker"
)

// ErrNoCredentials is returned by Load when neither the token file nor the
// database holds usable credentials.
var ErrNoCredentials = errors.New("no feed credentials found")

// Credentials authenticate the 5paisa feed.
type Credentials struct {
	AccessToken string
	ClientCode  string
	IssuedDate  time.Time
}

// tokenFile mirrors token_store.json as written by the login helper.
type tokenFile struct {
	AccessToken string `json:"access_token"`
	ClientCode  string `json:"client_code"`
	AccountID   string `json:"account_id"`
	TokenDate   string `json:"token_date"`
}

const tokenDateLayout = "2006-01-02"

// CredentialStore holds the current feed credentials, loaded from the token
// file and optionally mirrored in SQLite via SetDB.
type CredentialStore struct {
	path string

	mu       sync.RWMutex
	creds    *Credentials
	onChange []func(Credentials)

	db     *store.DB
	logger *slog.Logger
}

// NewCredentialStore creates a store backed by the token file at path.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path, logger: slog.Default()}
}

// SetDB enables write-through persistence to the given SQLite database.
func (s *CredentialStore) SetDB(db *store.DB) {
	s.db = db
}

// SetLogger sets the logger for load and persistence errors.
func (s *CredentialStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Path returns the token file location.
func (s *CredentialStore) Path() string { return s.path }

// OnChange registers fn to run after the credentials change.
func (s *CredentialStore) OnChange(fn func(Credentials)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Load reads the token file. If the file does not exist, the most recent
// database row is used instead.
func (s *CredentialStore) Load() error {
	c, err := readTokenFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Token file not found, trying database", "path", s.path)
		return s.LoadFromDB()
	}
	if err != nil {
		return err
	}
	s.Set(c)
	return nil
}

func readTokenFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c := Credentials{
		AccessToken: strings.TrimSpace(f.AccessToken),
		ClientCode:  strings.TrimSpace(f.ClientCode),
	}
	if c.ClientCode == "" {
		c.ClientCode = strings.TrimSpace(f.AccountID)
	}
	if c.AccessToken == "" || c.ClientCode == "" {
		return Credentials{}, fmt.Errorf("%s: access_token or client_code missing: %w", path, ErrNoCredentials)
	}
	if f.TokenDate != "" {
		d, err := time.Parse(tokenDateLayout, f.TokenDate)
		if err != nil {
			return Credentials{}, fmt.Errorf("%s: bad token_date %q: %w", path, f.TokenDate, err)
		}
		c.IssuedDate = d
	}
	return c, nil
}

// LoadFromDB populates the store from the database without writing back.
func (s *CredentialStore) LoadFromDB() error {
	if s.db == nil {
		return ErrNoCredentials
	}
	row, ok, err := s.db.LatestCredential()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoCredentials
	}
	s.apply(Credentials{
		AccessToken: row.AccessToken,
		ClientCode:  row.ClientCode,
		IssuedDate:  row.IssuedDate,
	})
	return nil
}

// Get returns a copy of the current credentials.
func (s *CredentialStore) Get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Credentials adapts the store to ticker.CredentialSource.
func (s *CredentialStore) Credentials() (ticker.Credentials, bool) {
	c, ok := s.Get()
	if !ok {
		return ticker.Credentials{}, false
	}
	return ticker.Credentials{AccessToken: c.AccessToken, ClientCode: c.ClientCode}, true
}

// Set replaces the credentials, persists them and notifies listeners.
func (s *CredentialStore) Set(c Credentials) {
	if !s.apply(c) {
		return
	}
	if s.db != nil {
		err := s.db.SaveCredential(store.CredentialRow{
			ClientCode:  c.ClientCode,
			AccessToken: c.AccessToken,
			IssuedDate:  c.IssuedDate,
			StoredAt:    time.Now(),
		})
		if err != nil {
			s.logger.Error("Failed to persist credentials", "client_code", c.ClientCode, "error", err)
		}
	}
}

// apply stores c and fires OnChange callbacks outside the lock. It reports
// whether anything changed.
func (s *CredentialStore) apply(c Credentials) bool {
	s.mu.Lock()
	if s.creds != nil && *s.creds == c {
		s.mu.Unlock()
		return false
	}
	s.creds = &c
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	s.logger.Info("Feed credentials loaded", "client_code", c.ClientCode, "token", maskSecret(c.AccessToken))
	for _, fn := range callbacks {
		fn(c)
	}
	return true
}

// Watch reloads the token file whenever it is written or replaced, until ctx
// is cancelled. The parent directory is watched so that editors and atomic
// renames are picked up.
func (s *CredentialStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			c, err := readTokenFile(s.path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.logger.Warn("Token file reload failed", "path", s.path, "error", err)
				}
				continue
			}
			s.Set(c)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Token file watcher error", "error", err)
		}
	}
}

// CredentialSummary is a redacted view of the credentials.
type CredentialSummary struct {
	Loaded          bool   `json:"loaded"`
	ClientCode      string `json:"client_code,omitempty"`
	AccessTokenHint string `json:"access_token_hint,omitempty"`
	IssuedDate      string `json:"issued_date,omitempty"`
	Stale           bool   `json:"stale"`
}

// maskSecret returns a redacted version of a secret: first 4 + "****" + last 3 chars.
func maskSecret(s string) string {
	if len(s) <= 7 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-3:]
}

// Summary returns a redacted view. Tokens issued before today are stale:
// 5paisa access tokens are only valid for the day they were issued.
func (s *CredentialStore) Summary(now time.Time) CredentialSummary {
	c, ok := s.Get()
	if !ok {
		return CredentialSummary{}
	}
	sum := CredentialSummary{
		Loaded:          true,
		ClientCode:      c.ClientCode,
		AccessTokenHint: maskSecret(c.AccessToken),
	}
	if !c.IssuedDate.IsZero() {
		sum.IssuedDate = c.IssuedDate.Format(tokenDateLayout)
		sum.Stale = sum.IssuedDate < now.Format(tokenDateLayout)
	}
	return sum
}
