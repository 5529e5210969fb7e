// Package presence derives online status from the session directory and
// remembers when each user was last connected.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/whisper/dm/internal/metrics"
	"github.com/whisper/dm/internal/session"
	"github.com/whisper/dm/internal/user"
)

// Directory is the subset of the session directory the tracker reads.
type Directory interface {
	Contains(userID string) bool
	Count() int
	Observe(fn session.Observer)
}

// UserLister lists users other than the caller.
type UserLister interface {
	ListOthers(ctx context.Context, excludeID string) ([]user.User, error)
}

// Tracker answers presence queries. A user is online exactly when the
// directory holds a session for them; there is no separate presence state to
// drift.
type Tracker struct {
	dir      Directory
	users    UserLister
	lastSeen LastSeenStore
}

// NewTracker creates a Tracker, subscribes it to dir and makes dir's Count
// the online-users gauge. lastSeen may be nil, in which case last-seen times
// are not recorded.
func NewTracker(dir Directory, users UserLister, lastSeen LastSeenStore) *Tracker {
	t := &Tracker{dir: dir, users: users, lastSeen: lastSeen}
	dir.Observe(t.observe)
	metrics.SetOnlineUsersSource(dir.Count)
	return t
}

// IsOnline reports whether userID currently has a live session.
func (t *Tracker) IsOnline(userID string) bool {
	return t.dir.Contains(userID)
}

// Annotate fills in presence for p.
func (t *Tracker) Annotate(ctx context.Context, p *user.Profile) {
	p.IsOnline = t.IsOnline(p.ID)
	if p.IsOnline || t.lastSeen == nil {
		return
	}
	seen, err := t.lastSeen.Get(ctx, p.ID)
	if err != nil {
		log.Printf("presence: %v", err)
		return
	}
	if at, ok := seen[p.ID]; ok {
		p.LastSeen = &at
	}
}

// ListOthers returns every user except excludeID with presence filled in.
func (t *Tracker) ListOthers(ctx context.Context, excludeID string) ([]user.Profile, error) {
	users, err := t.users.ListOthers(ctx, excludeID)
	if err != nil {
		return nil, err
	}

	profiles := make([]user.Profile, len(users))
	var offline []string
	for i := range users {
		profiles[i] = users[i].Profile()
		profiles[i].IsOnline = t.IsOnline(users[i].ID)
		if !profiles[i].IsOnline {
			offline = append(offline, users[i].ID)
		}
	}

	if t.lastSeen != nil && len(offline) > 0 {
		seen, err := t.lastSeen.Get(ctx, offline...)
		if err != nil {
			// Presence is advisory; serve the list without last-seen.
			log.Printf("presence: %v", err)
			return profiles, nil
		}
		for i := range profiles {
			if at, ok := seen[profiles[i].ID]; ok && !profiles[i].IsOnline {
				profiles[i].LastSeen = &at
			}
		}
	}
	return profiles, nil
}

func (t *Tracker) observe(ev session.Event) {
	metrics.SessionTransitions.WithLabelValues(ev.Kind.String()).Inc()

	if ev.Kind != session.Disconnected || t.lastSeen == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.lastSeen.Touch(ctx, ev.UserID, ev.At); err != nil {
		log.Printf("presence: %v", err)
	}
}
