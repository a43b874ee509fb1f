// Package memory provides an in-process user directory for development and
// tests, optionally seeded from a YAML file.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"corpportal.org/internal/auth"
)

// Directory is a mutex-guarded map of users keyed by lower-cased email.
type Directory struct {
	mu      sync.Mutex
	users   map[string]*auth.UserRecord
	bySubj  map[string]string
	backups map[string]map[string]bool // subject -> code hash -> used
	now     func() time.Time
}

var _ auth.UserDirectory = (*Directory)(nil)

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		users:   make(map[string]*auth.UserRecord),
		bySubj:  make(map[string]string),
		backups: make(map[string]map[string]bool),
		now:     time.Now,
	}
}

// Put inserts or replaces a user. A blank SubjectID gets a random UUID.
func (d *Directory) Put(rec auth.UserRecord, backupCodes ...string) auth.UserRecord {
	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	if rec.SubjectID == "" {
		rec.SubjectID = uuid.NewString()
	}
	rec.Roles = append([]string(nil), rec.Roles...)

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.users[rec.Email]; ok && prev.SubjectID != rec.SubjectID {
		delete(d.bySubj, prev.SubjectID)
	}
	stored := rec
	d.users[rec.Email] = &stored
	d.bySubj[rec.SubjectID] = rec.Email
	if len(backupCodes) > 0 {
		codes := make(map[string]bool, len(backupCodes))
		for _, c := range backupCodes {
			codes[auth.HashBackupCode(c)] = false
		}
		d.backups[rec.SubjectID] = codes
	}
	return rec
}

// FindBySubject implements auth.UserDirectory.
func (d *Directory) FindBySubject(ctx context.Context, email string) (*auth.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Roles = append([]string(nil), rec.Roles...)
	return &out, nil
}

// InvalidateBackupCode implements auth.UserDirectory.
func (d *Directory) InvalidateBackupCode(ctx context.Context, subjectID, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	hash := auth.HashBackupCode(code)
	d.mu.Lock()
	defer d.mu.Unlock()
	codes, ok := d.backups[subjectID]
	if !ok {
		return false, nil
	}
	used, ok := codes[hash]
	if !ok || used {
		return false, nil
	}
	codes[hash] = true
	return true, nil
}

// TouchLastLogin implements auth.UserDirectory.
func (d *Directory) TouchLastLogin(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	email, ok := d.bySubj[subjectID]
	if !ok {
		return fmt.Errorf("%w: subject %s", auth.ErrNotFound, subjectID)
	}
	t := d.now().UTC()
	d.users[email].LastLoginAt = &t
	return nil
}

// RemainingBackupCodes counts unused codes for subjectID.
func (d *Directory) RemainingBackupCodes(subjectID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, used := range d.backups[subjectID] {
		if !used {
			n++
		}
	}
	return n
}

// Check always succeeds; it lets the directory act as a readiness probe.
func (d *Directory) Check(context.Context) error { return nil }

type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	ID              string   `yaml:"id"`
	Email           string   `yaml:"email"`
	DisplayName     string   `yaml:"display_name"`
	Department      string   `yaml:"department"`
	Position        string   `yaml:"position"`
	Roles           []string `yaml:"roles"`
	Active          *bool    `yaml:"active"`
	Password        string   `yaml:"password"`
	PasswordHash    string   `yaml:"password_hash"`
	TwoFactorSecret string   `yaml:"two_factor_secret"`
	BackupCodes     []string `yaml:"backup_codes"`
}

// SeedFromFile loads users from a YAML file. Plaintext passwords are hashed
// on load; entries without an email or any password are skipped.
func (d *Directory) SeedFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return d.Seed(data)
}

// Seed loads users from YAML bytes.
func (d *Directory) Seed(data []byte) (int, error) {
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("decode users: %w", err)
	}
	loaded := 0
	for _, u := range sf.Users {
		if strings.TrimSpace(u.Email) == "" || (u.Password == "" && u.PasswordHash == "") {
			continue
		}
		hash := u.PasswordHash
		if hash == "" {
			var err error
			hash, err = auth.HashPassword(u.Password)
			if err != nil {
				return loaded, fmt.Errorf("hash password for %s: %w", u.Email, err)
			}
		}
		active := true
		if u.Active != nil {
			active = *u.Active
		}
		d.Put(auth.UserRecord{
			SubjectID:        u.ID,
			Email:            u.Email,
			DisplayName:      u.DisplayName,
			Department:       u.Department,
			Position:         u.Position,
			Roles:            u.Roles,
			Active:           active,
			PasswordHash:     hash,
			TwoFactorEnabled: u.TwoFactorSecret != "",
			TwoFactorSecret:  u.TwoFactorSecret,
		}, u.BackupCodes...)
		loaded++
	}
	if loaded == 0 && len(sf.Users) > 0 {
		return 0, errors.New("no usable users in seed")
	}
	return loaded, nil
}
