// Package userconf loads the per-user profile the tool agents and the live
// session prompt depend on: display name, timezone, and the presentation
// strings for the current time computed in the user's zone.
package userconf

import (
	"context"
	"fmt"
	"time"

	"github.com/voxpin/voxpin/pkg/types"
)

// Profile is the raw user record a Directory returns.
type Profile struct {
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`

	// Timezone is the IANA zone name. Empty means UTC.
	Timezone string `yaml:"timezone"`
}

// Directory resolves user ids to profiles.
type Directory interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// Static is a fixed in-memory Directory, typically populated from the
// configuration file. Unknown users resolve to the zero Profile.
type Static map[string]Profile

// Profile implements Directory.
func (s Static) Profile(_ context.Context, userID string) (Profile, error) {
	return s[userID], nil
}

// Loader builds UserConfig values from a Directory.
type Loader struct {
	dir Directory

	// now is replaceable for tests.
	now func() time.Time
}

// NewLoader creates a Loader over the given directory.
func NewLoader(dir Directory) *Loader {
	return &Loader{dir: dir, now: time.Now}
}

// Load resolves the user's profile and computes the presentation strings.
// An unparseable or empty timezone falls back to UTC rather than failing.
func (l *Loader) Load(ctx context.Context, userID string) (*types.UserConfig, error) {
	profile, err := l.dir.Profile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("userconf: load profile for %s: %w", userID, err)
	}

	tz := profile.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		tz = "UTC"
		loc = time.UTC
	}

	now := l.now().In(loc)
	return &types.UserConfig{
		UserID:         userID,
		Name:           displayName(profile),
		Timezone:       tz,
		Location:       loc,
		CurrentTimeStr: TimeString(now, tz),
		CurrentDateStr: DateString(now),
	}, nil
}

// TimeString renders an instant the way the prompts present it, e.g.
// "Tuesday, August 25, 2026 at 07:45 AM (America/Los_Angeles)".
func TimeString(t time.Time, tz string) string {
	return fmt.Sprintf("%s (%s)", t.Format("Monday, January 02, 2006 at 03:04 PM"), tz)
}

// DateString renders the date-only variant.
func DateString(t time.Time) string {
	return t.Format("Monday, January 02, 2006")
}

func displayName(p Profile) string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.LastName != "":
		return p.LastName
	}
	return "the user"
}
