package profile

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/statedb"
)

var profileLog = logging.ForComponent(logging.CompProfile)

// RateLimitWindow is how long a rate-limit event keeps a profile out of
// best-available selection.
const RateLimitWindow = 5 * time.Hour

const (
	metaActiveProfile = "active_profile"
	metaAutoSwitch    = "auto_switch"
)

// Store implements Provider on a statedb database.
type Store struct {
	db  *statedb.StateDB
	now func() time.Time
}

// NewStore wraps an opened and migrated database.
func NewStore(db *statedb.StateDB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func toProfile(r *statedb.ProfileRow) *Profile {
	return &Profile{
		ID:        r.ID,
		Name:      r.Name,
		ConfigDir: r.ConfigDir,
		HasToken:  r.Token != "",
		Email:     r.Email,
		IsDefault: r.IsDefault,
	}
}

func (s *Store) row(id string) (*statedb.ProfileRow, error) {
	r, err := s.db.GetProfile(id)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// AddProfile creates or updates a profile's name, config dir and default flag.
func (s *Store) AddProfile(id, name, configDir string, isDefault bool) error {
	r, err := s.db.GetProfile(id)
	if err != nil {
		return err
	}
	if r == nil {
		r = &statedb.ProfileRow{ID: id, CreatedAt: s.now()}
	}
	r.Name = name
	r.ConfigDir = configDir
	r.IsDefault = isDefault
	return s.db.SaveProfile(r)
}

// RemoveProfile deletes a profile. Removing the active profile clears it.
func (s *Store) RemoveProfile(id string) error {
	if _, err := s.row(id); err != nil {
		return err
	}
	if err := s.db.DeleteProfile(id); err != nil {
		return err
	}
	if active, _ := s.db.GetMeta(metaActiveProfile); active == id {
		return s.db.SetMeta(metaActiveProfile, "")
	}
	return nil
}

// ListProfiles returns every profile in creation order.
func (s *Store) ListProfiles() ([]*Profile, error) {
	rows, err := s.db.LoadProfiles()
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(rows))
	for _, r := range rows {
		out = append(out, toProfile(r))
	}
	return out, nil
}

func (s *Store) GetProfile(id string) (*Profile, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}
	return toProfile(r), nil
}

// GetActiveProfile returns the explicitly activated profile, else the
// default one. ErrNotFound when neither exists.
func (s *Store) GetActiveProfile() (*Profile, error) {
	id, err := s.db.GetMeta(metaActiveProfile)
	if err != nil {
		return nil, err
	}
	if id != "" {
		if r, err := s.db.GetProfile(id); err != nil {
			return nil, err
		} else if r != nil {
			return toProfile(r), nil
		}
	}
	rows, err := s.db.LoadProfiles()
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.IsDefault {
			return toProfile(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) GetProfileToken(id string) (string, error) {
	r, err := s.row(id)
	if err != nil {
		return "", err
	}
	return r.Token, nil
}

func (s *Store) SetProfileToken(id, token, email string) error {
	ok, err := s.db.SetProfileToken(id, token, email)
	if err != nil {
		return fmt.Errorf("store token for %q: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	profileLog.Info("profile_token_stored", slog.String("profile_id", id), slog.Bool("has_email", email != ""))
	return nil
}

func (s *Store) MarkProfileUsed(id string) error {
	return s.db.TouchProfile(id, s.now())
}

func (s *Store) RecordRateLimitEvent(profileID, resetTime string) error {
	now := s.now()
	if err := s.db.InsertRateLimitEvent(profileID, resetTime, now); err != nil {
		return err
	}
	// History older than a day is never consulted.
	if _, err := s.db.PruneRateLimitEvents(now.Add(-24 * time.Hour)); err != nil {
		profileLog.Debug("rate_limit_prune_failed", slog.String("error", err.Error()))
	}
	return nil
}

// GetBestAvailableProfile picks a profile other than excludingID, preferring
// ones with no rate-limit event inside RateLimitWindow, then the least
// recently used. ErrNotFound when no other profile exists.
func (s *Store) GetBestAvailableProfile(excludingID string) (*Profile, error) {
	rows, err := s.db.LoadProfiles()
	if err != nil {
		return nil, err
	}
	limited, err := s.db.RateLimitedSince(s.now().Add(-RateLimitWindow))
	if err != nil {
		return nil, err
	}

	var candidates []*statedb.ProfileRow
	for _, r := range rows {
		if r.ID != excludingID {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := limited[candidates[i].ID], limited[candidates[j].ID]
		if li != lj {
			return !li
		}
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	return toProfile(candidates[0]), nil
}

func (s *Store) GetAutoSwitchSettings() (AutoSwitchSettings, error) {
	v, err := s.db.GetMeta(metaAutoSwitch)
	if err != nil || v == "" {
		return AutoSwitchSettings{}, err
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return AutoSwitchSettings{}, fmt.Errorf("parse %s: %w", metaAutoSwitch, err)
	}
	return AutoSwitchSettings{Enabled: on}, nil
}

// SetAutoSwitch enables or disables automatic switching on rate limits.
func (s *Store) SetAutoSwitch(enabled bool) error {
	return s.db.SetMeta(metaAutoSwitch, strconv.FormatBool(enabled))
}

func (s *Store) SetActiveProfile(id string) error {
	if _, err := s.row(id); err != nil {
		return err
	}
	if err := s.db.SetMeta(metaActiveProfile, id); err != nil {
		return err
	}
	profileLog.Info("active_profile_set", slog.String("profile_id", id))
	return nil
}

var _ Provider = (*Store)(nil)
