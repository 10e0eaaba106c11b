package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/askai-chat/internal/chat"
	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/tmaxmax/go-sse"
)

type apiError struct {
	Error     string            `json:"error"`
	Documents []document.Result `json:"documents,omitempty"`
}

type sendResponse struct {
	ConversationID     string             `json:"conversationId,omitempty"`
	UserMessage        models.MessageView `json:"userMessage"`
	AssistantMessageID string             `json:"assistantMessageId"`
	Documents          []document.Result  `json:"documents,omitempty"`
	Remaining          int                `json:"remaining"`
	Warn               bool               `json:"warn"`
}

type messagesResponse struct {
	ConversationID string               `json:"conversationId,omitempty"`
	Messages       []models.MessageView `json:"messages"`
	Remaining      int                  `json:"remaining"`
}

type guestResponse struct {
	SessionID string `json:"sessionId"`
	Remaining int    `json:"remaining"`
}

type statsResponse struct {
	transcript.Stats
	Storage string `json:"storage"`
}

// identity is the owner of a request: an authenticated user, or a guest known by a session cookie.
type identity struct {
	userID  string
	guestID string
}

// HandleChats records a prompt and streams the reply in the background. It accepts a multipart or
// urlencoded form with a "message" field, an optional "conversation_id" and optional "files". The
// response carries the ids the client needs to follow the reply on the SSE endpoint.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := formFiles(r)
	if err != nil {
		m.logger.Error("Failed to read uploaded files", slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusBadRequest, "Failed to read uploaded files")
		return
	}

	id := requestIdentity(r)
	store, key, err := m.openStore(r.Context(), w, id, r.FormValue("conversation_id"))
	if err != nil {
		m.writeStoreError(w, err)
		return
	}

	session := chat.NewSession(store, m.streamer, m.extractor, m.newPresenter(), m.logger)
	if !m.inflight.claim(key, session) {
		writeAPIError(w, http.StatusConflict, "A response is still streaming")
		return
	}
	if !m.inflight.start() {
		m.inflight.release(key, "")
		writeAPIError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	turn, err := session.Begin(r.Context(), r.FormValue("message"), files)
	if err != nil {
		m.inflight.release(key, "")
		m.inflight.finish()
		m.writeSendError(w, err)
		return
	}
	m.inflight.track(key, turn.AssistantID)

	if turn.Conversation != nil {
		m.publishConversations(r.Context(), id.userID)
	}

	res := sendResponse{
		UserMessage:        m.messageView(turn.UserMessage),
		AssistantMessageID: turn.AssistantID,
		Documents:          turn.Documents,
		Remaining:          turn.Remaining,
		Warn:               turn.ShouldWarn(),
	}
	if cs, ok := store.(interface{ ConversationID() string }); ok {
		res.ConversationID = cs.ConversationID()
	}

	// The reply outlives the request; it is bounded by Session.Cancel and Shutdown instead.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer m.inflight.finish()
		defer m.inflight.release(key, turn.AssistantID)
		if _, err := turn.Run(ctx); err != nil {
			m.logger.Debug("Reply ended with error",
				slog.String("messageID", turn.AssistantID),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	writeJSON(w, http.StatusAccepted, res)
}

// HandleCancelChat aborts the reply streaming into the "message_id" query parameter.
func (m Main) HandleCancelChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !m.inflight.cancel(r.URL.Query().Get("message_id")) {
		writeAPIError(w, http.StatusNotFound, "No response is streaming")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConversations lists, renames and deletes the conversations of the authenticated user.
//
// GET returns the conversations grouped by date. PATCH renames the conversation given by the "id" and
// "title" parameters. DELETE removes the conversation given by "id", or every conversation of the user
// when no id is given.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "Sign in to manage conversations")
		return
	}

	switch r.Method {
	case http.MethodGet:
		groups, err := m.conversationGroups(r.Context(), userID)
		if err != nil {
			m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "Failed to load conversations")
			return
		}
		writeJSON(w, http.StatusOK, groups)
		return
	case http.MethodPatch:
		id := r.FormValue("id")
		title := strings.TrimSpace(r.FormValue("title"))
		if title == "" {
			writeAPIError(w, http.StatusBadRequest, "Title is required")
			return
		}
		if err := m.ownConversation(r.Context(), userID, id); err != nil {
			m.writeStoreError(w, err)
			return
		}
		if err := m.repo.RenameConversation(r.Context(), id, title); err != nil {
			m.logger.Error("Failed to rename conversation",
				slog.String("conversationID", id),
				slog.String(errLoggerKey, err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "Failed to rename conversation")
			return
		}
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			if err := m.repo.DeleteAllConversations(r.Context(), userID); err != nil {
				m.logger.Error("Failed to delete conversations", slog.String(errLoggerKey, err.Error()))
				writeAPIError(w, http.StatusInternalServerError, "Failed to delete conversations")
				return
			}
			break
		}
		if err := m.ownConversation(r.Context(), userID, id); err != nil {
			m.writeStoreError(w, err)
			return
		}
		if err := m.repo.DeleteConversation(r.Context(), id); err != nil {
			m.logger.Error("Failed to delete conversation",
				slog.String("conversationID", id),
				slog.String(errLoggerKey, err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "Failed to delete conversation")
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.publishConversations(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages returns a transcript: the conversation given by "conversation_id" for an authenticated
// user, or the guest transcript for everyone else.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := requestIdentity(r)
	store, _, err := m.openStore(r.Context(), w, id, r.URL.Query().Get("conversation_id"))
	if err != nil {
		m.writeStoreError(w, err)
		return
	}

	msgs, err := store.List(r.Context())
	if err != nil {
		m.logger.Error("Failed to list messages", slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}

	res := messagesResponse{
		Messages:  make([]models.MessageView, len(msgs)),
		Remaining: -1,
	}
	for i, msg := range msgs {
		res.Messages[i] = m.messageView(msg)
	}
	switch s := store.(type) {
	case *transcript.Guest:
		res.Remaining = s.Remaining()
	case *transcript.Durable:
		res.ConversationID = s.ConversationID()
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGuest discards the guest transcript and starts a new session.
func (m Main) HandleGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	guest, err := transcript.OpenGuest(r.Context(), m.guests, guestCookie(r), m.logger)
	if err != nil {
		m.writeStoreError(w, err)
		return
	}
	if err := guest.Clear(r.Context()); err != nil {
		m.logger.Error("Failed to clear guest session", slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "Failed to clear guest session")
		return
	}

	setGuestCookie(w, guest.SessionID())
	writeJSON(w, http.StatusOK, guestResponse{SessionID: guest.SessionID(), Remaining: guest.Remaining()})
}

// HandleGuestImport moves the guest transcript of a user who just signed in into a new conversation.
func (m Main) HandleGuestImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "Sign in to import the guest chat")
		return
	}
	guestID := guestCookie(r)
	if guestID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	guest, err := transcript.OpenGuest(r.Context(), m.guests, guestID, m.logger)
	if err != nil {
		m.writeStoreError(w, err)
		return
	}
	msgs, err := guest.List(r.Context())
	if err != nil {
		m.writeStoreError(w, err)
		return
	}

	conv, err := transcript.ImportGuest(r.Context(), m.repo, userID, msgs)
	if err != nil {
		m.logger.Error("Failed to import guest transcript",
			slog.String("sessionID", guestID),
			slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "Failed to import guest chat")
		return
	}

	if err := guest.Clear(r.Context()); err != nil {
		m.logger.Warn("Failed to clear imported guest session",
			slog.String("sessionID", guestID),
			slog.String(errLoggerKey, err.Error()))
	}
	setGuestCookie(w, guest.SessionID())

	if conv.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.publishConversations(r.Context(), userID)
	writeJSON(w, http.StatusCreated, conv)
}

// HandleStats reports how much history the authenticated user keeps.
func (m Main) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, "Sign in to see statistics")
		return
	}

	convs, err := m.repo.Conversations(r.Context(), userID)
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "Failed to load statistics")
		return
	}
	var msgs []models.StoredMessage
	for _, c := range convs {
		stored, err := m.repo.FetchMessages(r.Context(), c.ID)
		if err != nil {
			m.logger.Error("Failed to fetch messages",
				slog.String("conversationID", c.ID),
				slog.String(errLoggerKey, err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "Failed to load statistics")
			return
		}
		msgs = append(msgs, stored...)
	}

	stats := transcript.ComputeStats(convs, msgs)
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:   stats,
		Storage: transcript.FormatStorage(stats.EstimatedStorageKB),
	})
}

// openStore opens the transcript a request works on. It returns the store and the key under which a
// reply of that transcript is tracked while in flight.
func (m Main) openStore(
	ctx context.Context,
	w http.ResponseWriter,
	id identity,
	conversationID string,
) (transcript.Store, string, error) {
	if id.userID != "" {
		durable := transcript.NewDurable(m.repo, id.userID, m.logger)
		if err := durable.Select(ctx, conversationID); err != nil {
			return nil, "", err
		}
		return durable, "user-" + id.userID, nil
	}

	guest, err := transcript.OpenGuest(ctx, m.guests, id.guestID, m.logger)
	if err != nil {
		return nil, "", err
	}
	setGuestCookie(w, guest.SessionID())
	return guest, "guest-" + guest.SessionID(), nil
}

func (m Main) ownConversation(ctx context.Context, userID, id string) error {
	conv, err := m.repo.Conversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return transcript.ErrNotFound
	}
	return nil
}

func (m Main) conversationGroups(ctx context.Context, userID string) ([]transcript.ConversationGroup, error) {
	convs, err := m.repo.Conversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	return transcript.GroupByDate(convs, m.now()), nil
}

// publishConversations pushes the grouped conversation list to the user's open pages.
func (m Main) publishConversations(ctx context.Context, userID string) {
	groups, err := m.conversationGroups(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		return
	}
	data, err := json.Marshal(groups)
	if err != nil {
		m.logger.Error("Failed to marshal conversations", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, chatsTopic(userID)); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) messageView(msg models.ChatMessage) models.MessageView {
	view := models.MessageView{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		StreamingState: models.StreamingStateEnded,
	}
	if msg.Content == "" && msg.Role == models.RoleAssistant {
		view.StreamingState = models.StreamingStateLoading
		return view
	}
	html, err := m.renderer.render(msg.Content)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return view
	}
	view.HTML = html
	return view
}

func (m Main) writeSendError(w http.ResponseWriter, err error) {
	var docErr *chat.DocumentError
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		writeAPIError(w, http.StatusBadRequest, "Message is required")
	case errors.Is(err, chat.ErrBusy):
		writeAPIError(w, http.StatusConflict, "A response is still streaming")
	case errors.Is(err, transcript.ErrGuestLimit):
		writeAPIError(w, http.StatusForbidden, "Guest prompt limit reached. Sign in to keep chatting.")
	case errors.As(err, &docErr):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{
			Error:     "Failed to process uploaded files",
			Documents: docErr.Results,
		})
	default:
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "Failed to send message")
	}
}

func (m Main) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, transcript.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	m.logger.Error("Failed to open transcript", slog.String(errLoggerKey, err.Error()))
	writeAPIError(w, http.StatusInternalServerError, "Failed to open transcript")
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func requestIdentity(r *http.Request) identity {
	return identity{
		userID:  r.Header.Get(userHeader),
		guestID: guestCookie(r),
	}
}

func guestCookie(r *http.Request) string {
	c, err := r.Cookie(guestCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func setGuestCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     guestCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// formFiles reads the "files" parts of a multipart form. Other content types carry no files.
func formFiles(r *http.Request) ([]document.File, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, nil
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("failed to parse multipart form: %w", err)
	}

	var files []document.File
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		files = append(files, document.File{
			Name: fh.Filename,
			Type: fh.Header.Get("Content-Type"),
			Data: data,
		})
	}
	return files, nil
}
