// Package profile defines the credential contexts the assistant is invoked
// with and a SQLite-backed store for them.
package profile

import "errors"

// ErrNotFound is returned when a profile id does not exist or no profile
// satisfies a lookup.
var ErrNotFound = errors.New("profile not found")

// Profile is a named credential or config context for the assistant.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ConfigDir string `json:"configDir,omitempty"`
	HasToken  bool   `json:"hasToken"`
	Email     string `json:"email,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

// AutoSwitchSettings controls switching away from a rate-limited profile.
type AutoSwitchSettings struct {
	Enabled bool `json:"enabled"`
}

// Provider is everything the session core needs from profile storage.
type Provider interface {
	GetProfile(id string) (*Profile, error)
	GetActiveProfile() (*Profile, error)
	GetProfileToken(id string) (string, error)
	SetProfileToken(id, token, email string) error
	MarkProfileUsed(id string) error
	RecordRateLimitEvent(profileID, resetTime string) error
	GetBestAvailableProfile(excludingID string) (*Profile, error)
	GetAutoSwitchSettings() (AutoSwitchSettings, error)
	SetActiveProfile(id string) error
}
