package entity

import (
	"sort"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

const inboxLimit = 200

type social struct {
	presence       map[string]model.Presence
	typing         map[string]map[string]time.Time
	notifications  []model.Notification
	friendRequests []model.FriendRequest
}

func newSocial() social {
	return social{
		presence: make(map[string]model.Presence),
		typing:   make(map[string]map[string]time.Time),
	}
}

// SetPresence records whether userID is online.
func (s *Store) SetPresence(userID string, online bool) {
	s.mu.Lock()
	p := s.social.presence[userID]
	changed := p.Online != online || p.UserID == ""
	p.UserID = userID
	p.Online = online
	p.LastSeen = s.now()
	s.social.presence[userID] = p
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeSocial})
	}
}

func (s *Store) Presence(userID string) (model.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.social.presence[userID]
	return p, ok
}

// SetTyping marks userID as typing in listID. Indicators expire on their own
// after a few seconds without a refresh.
func (s *Store) SetTyping(listID, userID string, typing bool) {
	s.mu.Lock()
	users := s.social.typing[listID]
	if typing {
		if users == nil {
			users = make(map[string]time.Time)
			s.social.typing[listID] = users
		}
		users[userID] = s.now()
	} else if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.social.typing, listID)
		}
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeSocial, ListID: listID})
}

// Typing returns the users currently typing in listID, sorted.
func (s *Store) Typing(listID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-typingTTL)
	var out []string
	for user, at := range s.social.typing[listID] {
		if at.After(cutoff) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// AddNotification prepends n to the inbox. A notification whose id is
// already present is ignored and false is returned.
func (s *Store) AddNotification(n model.Notification) bool {
	s.mu.Lock()
	for _, existing := range s.social.notifications {
		if existing.ID == n.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.social.notifications = append([]model.Notification{n}, s.social.notifications...)
	if len(s.social.notifications) > inboxLimit {
		s.social.notifications = s.social.notifications[:inboxLimit]
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeSocial, ListID: n.ListID})
	return true
}

func (s *Store) Notifications() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, len(s.social.notifications))
	copy(out, s.social.notifications)
	return out
}

// AddFriendRequest records an incoming friend request, replacing an earlier
// copy with the same id.
func (s *Store) AddFriendRequest(fr model.FriendRequest) bool {
	s.mu.Lock()
	for i, existing := range s.social.friendRequests {
		if existing.ID == fr.ID {
			if existing == fr {
				s.mu.Unlock()
				return false
			}
			s.social.friendRequests[i] = fr
			s.mu.Unlock()
			s.emit(Change{Kind: ChangeSocial})
			return true
		}
	}
	s.social.friendRequests = append(s.social.friendRequests, fr)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeSocial})
	return true
}

func (s *Store) FriendRequests() []model.FriendRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FriendRequest, len(s.social.friendRequests))
	copy(out, s.social.friendRequests)
	return out
}
