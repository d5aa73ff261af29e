package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/websocket"
)

func (m *Merger) typing(ev websocket.Event) (Outcome, error) {
	listID, userID, typing := ev.ListID, ev.UserID, ev.IsTyping
	if f, err := decodeFields(ev.Data); err == nil {
		if listID == "" {
			listID = stringOr(f, "list_id")
		}
		if userID == "" {
			userID = stringOr(f, "user_id")
		}
		if typing == nil {
			if typing, err = f.boolean("is_typing"); err != nil {
				return "", err
			}
		}
	}
	switch {
	case listID == "" || userID == "":
		return "", errors.New("typing indicator without list_id or user_id")
	case typing == nil:
		return "", errors.New("typing indicator without is_typing")
	case userID == m.selfID():
		return Ignored, nil
	}
	m.store.SetTyping(listID, userID, *typing)
	return Applied, nil
}

// onlineStatus handles the reply to get_online_status: a map of friend id to
// online flag.
func (m *Merger) onlineStatus(ev websocket.Event) (Outcome, error) {
	if len(ev.Data) == 0 {
		return "", errNoPayload
	}
	var status map[string]bool
	if err := json.Unmarshal(ev.Data, &status); err != nil {
		return "", fmt.Errorf("decode online status: %w", err)
	}
	if len(status) == 0 {
		return Ignored, nil
	}
	for id, online := range status {
		if id != "" {
			m.store.SetPresence(id, online)
		}
	}
	return Applied, nil
}

func (m *Merger) friendStatus(ev websocket.Event) (Outcome, error) {
	f, err := decodeFields(ev.Data)
	if err != nil {
		return "", err
	}
	id := stringOr(f, "user_id", "friend_id")
	if id == "" {
		return "", errors.New("friend status without user_id")
	}
	var online *bool
	for _, key := range []string{"is_online", "online"} {
		if online, err = f.boolean(key); err != nil {
			return "", err
		}
		if online != nil {
			break
		}
	}
	if online == nil {
		if s := stringOr(f, "status"); s != "" {
			v := s == "online"
			online = &v
		}
	}
	if online == nil {
		return Ignored, nil
	}
	m.store.SetPresence(id, *online)
	return Applied, nil
}

// notification adds an inbox entry. Friend requests arrive wrapped in a
// notification whose inner type is friend_request.
func (m *Merger) notification(ev websocket.Event) (Outcome, error) {
	f, err := decodeFields(ev.Data)
	if err != nil {
		return "", err
	}
	kind := stringOr(f, "type")
	if kind == websocket.EventFriendRequest {
		inner, ok := f["data"]
		if !ok {
			return "", errors.New("friend request notification without data")
		}
		return m.addFriendRequest(inner, f, ev)
	}

	n := model.Notification{
		ID:      stringOr(f, "id"),
		Type:    kind,
		Title:   stringOr(f, "title"),
		Message: stringOr(f, "message"),
		ListID:  stringOr(f, "list_id"),
		Data:    append(json.RawMessage(nil), ev.Data...),
	}
	if n.ID == "" {
		n.ID = contentID(ev)
	}
	if n.Type == "" {
		n.Type = "general"
	}
	if n.ListID == "" {
		n.ListID = ev.ListID
	}
	if n.Title == "" && n.Message == "" {
		return "", errors.New("notification without title or message")
	}
	n.CreatedAt = createdAt(ev, f)
	if !m.store.AddNotification(n) {
		return Duplicate, nil
	}
	return Applied, nil
}

func (m *Merger) friendRequest(ev websocket.Event) (Outcome, error) {
	if len(ev.Data) == 0 {
		return "", errNoPayload
	}
	return m.addFriendRequest(ev.Data, nil, ev)
}

func (m *Merger) addFriendRequest(raw json.RawMessage, outer fields, ev websocket.Event) (Outcome, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return "", err
	}
	fr := model.FriendRequest{
		ID:         stringOr(f, "id", "request_id"),
		FromUserID: stringOr(f, "from_user_id", "sender_id", "user_id"),
		FromName:   stringOr(f, "from_name", "sender_name", "inviter_name"),
		Status:     stringOr(f, "status"),
	}
	if sender, ok := f["from_user"]; ok && fr.FromName == "" {
		if u, err := decodeFields(sender); err == nil {
			fr.FromName = stringOr(u, "name", "full_name")
			if fr.FromUserID == "" {
				fr.FromUserID = stringOr(u, "id")
			}
		}
	}
	if fr.ID == "" || fr.FromUserID == "" {
		return "", errors.New("friend request without id or sender")
	}
	if fr.Status == "" {
		fr.Status = "pending"
	}
	fr.CreatedAt = createdAt(ev, f, outer)
	if !m.store.AddFriendRequest(fr) {
		return Duplicate, nil
	}
	return Applied, nil
}

// stringOr returns the first non-empty string among keys. Values of the
// wrong type are treated as absent.
func stringOr(f fields, keys ...string) string {
	for _, k := range keys {
		if s, err := f.str(k); err == nil && s != nil && *s != "" {
			return *s
		}
	}
	return ""
}

// createdAt takes the first created_at or timestamp found in sources, then
// the envelope timestamp.
func createdAt(ev websocket.Event, sources ...fields) time.Time {
	for _, f := range sources {
		for _, k := range []string{"created_at", "timestamp"} {
			if t, err := f.time(k); err == nil && t != nil {
				return *t
			}
		}
	}
	if t, err := parseTime(ev.Timestamp); err == nil {
		return t
	}
	return time.Time{}
}

// contentID derives a stable id for payloads that carry none, so a
// redelivered notification is recognized.
func contentID(ev websocket.Event) string {
	return uuid.NewSHA1(eventNamespace, append([]byte(ev.Type+"\x00"), ev.Data...)).String()
}
