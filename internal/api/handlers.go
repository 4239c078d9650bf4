package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omochice/pairchat/internal/conversation"
	"github.com/omochice/pairchat/internal/store"
)

type lastMessageJSON struct {
	Text      string    `json:"text"`
	From      string    `json:"from"`
	CreatedAt time.Time `json:"createdAt"`
}

type conversationJSON struct {
	ID           string           `json:"id"`
	RoomID       string           `json:"roomId"`
	Participants []string         `json:"participants"`
	LastMessage  *lastMessageJSON `json:"lastMessage"`
	LastActivity time.Time        `json:"lastMessageAt"`
	UnreadCount  int              `json:"unreadCount"`
}

type messageJSON struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	RoomID         string    `json:"roomId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	summaries, err := h.store.ListConversations(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("list conversations", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}

	out := make([]conversationJSON, 0, len(summaries))
	for _, s := range summaries {
		c := conversationJSON{
			ID:           s.Conversation.ID,
			RoomID:       s.Conversation.RoomID,
			Participants: s.Conversation.Participants[:],
			LastActivity: s.Conversation.LastActivity,
			UnreadCount:  s.UnreadCount,
		}
		if s.LastMessage != nil {
			c.LastMessage = &lastMessageJSON{
				Text:      s.LastMessage.Text,
				From:      s.LastMessage.SenderID,
				CreatedAt: s.LastMessage.CreatedAt,
			}
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomFor(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), roomID)
	if err != nil {
		h.logger.Error("list messages", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomFor(w, r)
	if !ok {
		return
	}
	id := identityFrom(r.Context())

	n, err := h.store.MarkRead(r.Context(), roomID, id.UserID)
	if err != nil {
		h.logger.Error("mark read", "room_id", roomID, "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark messages read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// roomFor extracts the room id and checks that the caller takes part in it.
func (h *Handler) roomFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := mux.Vars(r)["roomId"]
	if _, _, err := conversation.ParseRoomKey(roomID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	if !conversation.HasParticipant(roomID, identityFrom(r.Context()).UserID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return "", false
	}
	return roomID, true
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		RoomID:         m.RoomID,
		From:           m.SenderID,
		To:             m.RecipientID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorJSON{Error: msg})
}
