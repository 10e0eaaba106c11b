package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/handlers"
	"github.com/MegaGrindStone/askai-chat/internal/models"
	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

type mockLLM struct {
	responses []string
	err       error
	// errAfter fails the stream after that many responses, when err is set.
	errAfter int
	// block keeps the stream open after the responses until the context is done.
	block bool
}

type mockRepo struct {
	mu       sync.Mutex
	convs    []models.Conversation
	messages map[string][]models.StoredMessage
	err      error
}

type mockAlerts struct {
	configured bool
	err        error

	subject string
	message string
}

type mockLocator struct {
	location string
	err      error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMain(llm handlers.LLM, repo *mockRepo, guests transcript.SessionBackend, opts ...handlers.Option) handlers.Main {
	if guests == nil {
		guests = services.NewMemorySessions()
	}
	return handlers.NewMain(llm, repo, guests, discardLogger(), opts...)
}

func TestNewMain(t *testing.T) {
	main := newTestMain(&mockLLM{}, newMockRepo(), nil)

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleChatFunction(t *testing.T) {
	longContent := strings.Repeat("a", 10001)
	// Each emoji is two UTF-16 code units.
	longEmoji := strings.Repeat("😀", 5001)
	tooMany := make([]string, 51)
	for i := range tooMany {
		tooMany[i] = `{"role":"user","content":"hi"}`
	}

	tests := []struct {
		name       string
		method     string
		body       string
		llm        *mockLLM
		wantStatus int
		wantError  string
		wantDeltas []string
		wantDone   bool
	}{
		{
			name:       "Preflight",
			method:     http.MethodOptions,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Invalid JSON",
			method:     http.MethodPost,
			body:       "{",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON body",
		},
		{
			name:       "Messages not an array",
			method:     http.MethodPost,
			body:       `{"messages":"hi"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages must be an array",
		},
		{
			name:       "Missing messages",
			method:     http.MethodPost,
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages must be an array",
		},
		{
			name:       "Empty messages",
			method:     http.MethodPost,
			body:       `{"messages":[]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages array must contain 1-50 messages",
		},
		{
			name:       "Too many messages",
			method:     http.MethodPost,
			body:       `{"messages":[` + strings.Join(tooMany, ",") + `]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages array must contain 1-50 messages",
		},
		{
			name:       "Message not an object",
			method:     http.MethodPost,
			body:       `{"messages":["hi"]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Each message must be an object",
		},
		{
			name:       "Invalid role",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"tool","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Each message must have a valid role (user, assistant, or system)",
		},
		{
			name:       "Content not a string",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":42}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message content must be a string",
		},
		{
			name:       "Content too long",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"` + longContent + `"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message content must be under 10,000 characters",
		},
		{
			name:       "Content too long in UTF-16",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"` + longEmoji + `"}]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message content must be under 10,000 characters",
		},
		{
			name:       "Upstream rate limited",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: &services.UpstreamError{StatusCode: http.StatusTooManyRequests}},
			wantStatus: http.StatusTooManyRequests,
			wantError:  "Rate limit exceeded. Please try again later.",
		},
		{
			name:       "Upstream usage limit",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: &services.UpstreamError{StatusCode: http.StatusPaymentRequired}},
			wantStatus: http.StatusPaymentRequired,
			wantError:  "Usage limit reached. Please upgrade your plan.",
		},
		{
			name:       "Upstream failure",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "AI service temporarily unavailable",
		},
		{
			name:       "Streams deltas",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{responses: []string{"Hel", "lo \"you\"", "\n"}},
			wantStatus: http.StatusOK,
			wantDeltas: []string{"Hel", "lo \"you\"", "\n"},
			wantDone:   true,
		},
		{
			name:       "Fails mid-stream",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{responses: []string{"Hel", "lo"}, err: errors.New("reset"), errAfter: 1},
			wantStatus: http.StatusOK,
			wantDeltas: []string{"Hel"},
			wantDone:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := tt.llm
			if llm == nil {
				llm = &mockLLM{}
			}
			main := newTestMain(llm, newMockRepo(), nil)

			req := httptest.NewRequest(tt.method, "/functions/v1/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleChatFunction(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChatFunction() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("HandleChatFunction() Access-Control-Allow-Origin = %q, want *", got)
			}

			if tt.wantError != "" {
				var body struct {
					Error string `json:"error"`
				}
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode error body: %v", err)
				}
				if body.Error != tt.wantError {
					t.Errorf("HandleChatFunction() error = %q, want %q", body.Error, tt.wantError)
				}
				return
			}

			if tt.wantStatus != http.StatusOK || tt.method != http.MethodPost {
				return
			}

			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
				t.Errorf("HandleChatFunction() Content-Type = %q, want text/event-stream", ct)
			}

			parser := stream.NewParser(discardLogger())
			frames := append(parser.Feed(w.Body.Bytes()), parser.Flush()...)
			var deltas []string
			for _, f := range frames {
				if !f.Done {
					deltas = append(deltas, f.Delta)
				}
			}
			if !slices.Equal(deltas, tt.wantDeltas) {
				t.Errorf("HandleChatFunction() deltas = %q, want %q", deltas, tt.wantDeltas)
			}
			if parser.Done() != tt.wantDone {
				t.Errorf("HandleChatFunction() done = %v, want %v", parser.Done(), tt.wantDone)
			}
		})
	}
}

func TestHandleChatFunctionRateLimit(t *testing.T) {
	main := newTestMain(&mockLLM{responses: []string{"ok"}}, newMockRepo(), nil,
		handlers.WithRateLimit(rate.Every(time.Hour), 1))

	wantStatus := []int{http.StatusOK, http.StatusTooManyRequests}
	for i, want := range wantStatus {
		req := httptest.NewRequest(http.MethodPost, "/functions/v1/chat",
			strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		w := httptest.NewRecorder()

		main.HandleChatFunction(w, req)

		if w.Code != want {
			t.Errorf("request %d status = %v, want %v", i, w.Code, want)
		}
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/functions/v1/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.8")
	w := httptest.NewRecorder()
	main.HandleChatFunction(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %v, want %v", w.Code, http.StatusOK)
	}
}

func TestHandleAuthAlert(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		alerts      *mockAlerts
		locator     *mockLocator
		wantStatus  int
		wantBody    string
		wantSubject string
		wantLines   []string
	}{
		{
			name:       "Not configured",
			body:       `{"type":"login","email":"a@b.co"}`,
			alerts:     &mockAlerts{},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Email service not configured",
		},
		{
			name:       "Invalid type",
			body:       `{"type":"logout","email":"a@b.co"}`,
			alerts:     &mockAlerts{configured: true},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid type",
		},
		{
			name:       "Missing email",
			body:       `{"type":"login"}`,
			alerts:     &mockAlerts{configured: true},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid email",
		},
		{
			name:       "Email too long",
			body:       `{"type":"login","email":"` + strings.Repeat("a", 256) + `"}`,
			alerts:     &mockAlerts{configured: true},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid email",
		},
		{
			name:       "Send fails",
			body:       `{"type":"login","email":"a@b.co"}`,
			alerts:     &mockAlerts{configured: true, err: errors.New("rejected")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Failed to send alert",
		},
		{
			name:        "Signup",
			body:        `{"type":"signup","email":"a@b.co","name":"Asha","userAgent":"Firefox"}`,
			alerts:      &mockAlerts{configured: true},
			locator:     &mockLocator{location: "Pune, Maharashtra, India"},
			wantStatus:  http.StatusOK,
			wantBody:    `"success":true`,
			wantSubject: "🆕 AskAI New User Sign Up Alert",
			wantLines: []string{
				"📧 Email: a@b.co",
				"👤 Name: Asha",
				"🌐 IP Address: 203.0.113.7",
				"📍 Approx Location: Pune, Maharashtra, India",
				"💻 Device/Browser: Firefox",
				"🔄 Action Type: New Registration",
			},
		},
		{
			name:        "Login without location",
			body:        `{"type":"login","email":"a@b.co"}`,
			alerts:      &mockAlerts{configured: true},
			locator:     &mockLocator{err: errors.New("reserved range")},
			wantStatus:  http.StatusOK,
			wantBody:    `"success":true`,
			wantSubject: "🔐 AskAI User Login Alert",
			wantLines: []string{
				"👤 Name: Not provided",
				"📍 Approx Location: Unknown",
				"💻 Device/Browser: Unknown",
				"🔄 Action Type: User Login",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var locator handlers.Locator
			if tt.locator != nil {
				locator = tt.locator
			}
			main := newTestMain(&mockLLM{}, newMockRepo(), nil, handlers.WithAlerts(tt.alerts, locator))

			req := httptest.NewRequest(http.MethodPost, "/functions/v1/auth-alert", strings.NewReader(tt.body))
			req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
			w := httptest.NewRecorder()

			main.HandleAuthAlert(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleAuthAlert() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleAuthAlert() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
			if tt.wantSubject != "" && tt.alerts.subject != tt.wantSubject {
				t.Errorf("HandleAuthAlert() subject = %q, want %q", tt.alerts.subject, tt.wantSubject)
			}
			for _, line := range tt.wantLines {
				if !strings.Contains(tt.alerts.message, line+"\n") {
					t.Errorf("HandleAuthAlert() message = %q, want line %q", tt.alerts.message, line)
				}
			}
			if tt.wantSubject != "" && !strings.HasPrefix(tt.alerts.message, "━") {
				t.Errorf("HandleAuthAlert() message should start with a rule, got %q", tt.alerts.message)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		message    string
		user       string
		chatID     string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Guest chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "New conversation",
			method:     http.MethodPost,
			message:    "Hello",
			user:       "user-1",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "Unknown conversation",
			method:     http.MethodPost,
			message:    "Hello",
			user:       "user-1",
			chatID:     "missing",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			main := newTestMain(&mockLLM{responses: []string{"AI ", "response"}}, repo, nil)
			defer main.Shutdown(context.Background())

			w := postChat(main, tt.method, tt.message, tt.chatID, tt.user, nil)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsGuestReply(t *testing.T) {
	main := newTestMain(&mockLLM{responses: []string{"AI ", "response"}}, newMockRepo(), nil)
	defer main.Shutdown(context.Background())

	w := postChat(main, http.MethodPost, "Hello", "", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	var res struct {
		AssistantMessageID string             `json:"assistantMessageId"`
		UserMessage        models.MessageView `json:"userMessage"`
		Remaining          int                `json:"remaining"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.AssistantMessageID == "" {
		t.Error("HandleChats() should return the assistant message id")
	}
	if res.UserMessage.Content != "Hello" {
		t.Errorf("HandleChats() user message = %q, want %q", res.UserMessage.Content, "Hello")
	}
	if res.Remaining != transcript.GuestPromptLimit-1 {
		t.Errorf("HandleChats() remaining = %v, want %v", res.Remaining, transcript.GuestPromptLimit-1)
	}

	cookie := guestCookieFrom(t, w)
	msgs := waitForMessages(t, main, cookie, "", 2)
	if msgs[1].ID != res.AssistantMessageID || msgs[1].Content != "AI response" {
		t.Errorf("reply = %+v, want %q with id %s", msgs[1], "AI response", res.AssistantMessageID)
	}
	if msgs[1].StreamingState != models.StreamingStateEnded {
		t.Errorf("reply streaming state = %q, want %q", msgs[1].StreamingState, models.StreamingStateEnded)
	}
	if !strings.Contains(msgs[1].HTML, "<p>AI response</p>") {
		t.Errorf("reply html = %q, want rendered paragraph", msgs[1].HTML)
	}
}

func TestHandleChatsDurableReply(t *testing.T) {
	repo := newMockRepo()
	main := newTestMain(&mockLLM{responses: []string{"Sure"}}, repo, nil)
	defer main.Shutdown(context.Background())

	w := postChat(main, http.MethodPost, "How do I make pancakes?", "", "user-1", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	var res struct {
		ConversationID string `json:"conversationId"`
		Remaining      int    `json:"remaining"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.ConversationID == "" {
		t.Fatal("HandleChats() should start a conversation")
	}
	if res.Remaining != -1 {
		t.Errorf("HandleChats() remaining = %v, want -1", res.Remaining)
	}

	msgs := waitForMessages(t, main, nil, res.ConversationID, 2, "user-1")
	if msgs[0].Content != "How do I make pancakes?" || msgs[1].Content != "Sure" {
		t.Errorf("transcript = %+v", msgs)
	}

	conv, err := repo.Conversation(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != transcript.SmartTitle("How do I make pancakes?") {
		t.Errorf("conversation title = %q, want %q", conv.Title, transcript.SmartTitle("How do I make pancakes?"))
	}
}

func TestHandleChatsGuestLimit(t *testing.T) {
	guests := services.NewMemorySessions()
	err := guests.Save(context.Background(), transcript.GuestSession{
		ID:          "guest-1",
		PromptCount: transcript.GuestPromptLimit,
	})
	if err != nil {
		t.Fatal(err)
	}
	main := newTestMain(&mockLLM{responses: []string{"ok"}}, newMockRepo(), guests)

	w := postChat(main, http.MethodPost, "Hello", "", "", &http.Cookie{Name: "askai_guest_session", Value: "guest-1"})

	if w.Code != http.StatusForbidden {
		t.Errorf("HandleChats() status = %v, want %v", w.Code, http.StatusForbidden)
	}
}

func TestHandleCancelChat(t *testing.T) {
	main := newTestMain(&mockLLM{responses: []string{"partial"}, block: true}, newMockRepo(), nil)
	defer main.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/api/chats/cancel?message_id=unknown", nil)
	w := httptest.NewRecorder()
	main.HandleCancelChat(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleCancelChat() status = %v, want %v", w.Code, http.StatusNotFound)
	}

	w = postChat(main, http.MethodPost, "Hello", "", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	cookie := guestCookieFrom(t, w)
	var res struct {
		AssistantMessageID string `json:"assistantMessageId"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// A second prompt of the same transcript is refused while the first streams.
	busy := postChat(main, http.MethodPost, "Again", "", "", cookie)
	if busy.Code != http.StatusConflict {
		t.Errorf("HandleChats() while streaming status = %v, want %v", busy.Code, http.StatusConflict)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chats/cancel?message_id="+res.AssistantMessageID, nil)
	w = httptest.NewRecorder()
	main.HandleCancelChat(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleCancelChat() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	// Once the cancelled reply is released, the transcript accepts prompts again and the placeholder
	// is gone.
	waitForRelease(t, main, res.AssistantMessageID)

	msgs := waitForMessages(t, main, cookie, "", 1)
	if msgs[0].Role != string(models.RoleUser) {
		t.Errorf("transcript = %+v, want only the user message", msgs)
	}
}

func TestSSEReplaysReplyToLateSubscriber(t *testing.T) {
	tests := []struct {
		name      string
		llm       *mockLLM
		wantTypes []string
		wantError string
		wantState string
	}{
		{
			name:      "Fast upstream failure",
			llm:       &mockLLM{err: &services.UpstreamError{StatusCode: http.StatusTooManyRequests}},
			wantTypes: []string{"messages", "chatError", "closeMessage"},
			wantError: stream.MessageRateLimited,
			wantState: models.StreamingStateLoading,
		},
		{
			name:      "Finished reply",
			llm:       &mockLLM{responses: []string{"AI ", "response"}},
			wantTypes: []string{"messages", "closeMessage"},
			wantState: models.StreamingStateEnded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newTestMain(tt.llm, newMockRepo(), nil)
			srv := httptest.NewServer(http.HandlerFunc(main.HandleSSE))
			defer srv.Close()
			defer main.Shutdown(context.Background())

			w := postChat(main, http.MethodPost, "Hello", "", "", nil)
			if w.Code != http.StatusAccepted {
				t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
			}
			var res struct {
				AssistantMessageID string `json:"assistantMessageId"`
			}
			if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			// Subscribe only once the reply is over.
			waitForRelease(t, main, res.AssistantMessageID)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?message_id="+res.AssistantMessageID, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("failed to subscribe: %v", err)
			}
			defer resp.Body.Close()

			var (
				types     []string
				errorData string
				view      models.MessageView
			)
			for ev, err := range sse.Read(resp.Body, nil) {
				if err != nil {
					t.Fatalf("stream ended after %q: %v", types, err)
				}
				types = append(types, ev.Type)
				switch ev.Type {
				case "messages":
					if err := json.Unmarshal([]byte(ev.Data), &view); err != nil {
						t.Fatalf("failed to decode view: %v", err)
					}
				case "chatError":
					errorData = ev.Data
				}
				if ev.Type == "closeMessage" {
					break
				}
			}

			if !slices.Equal(types, tt.wantTypes) {
				t.Errorf("replayed events = %q, want %q", types, tt.wantTypes)
			}
			if errorData != tt.wantError {
				t.Errorf("chatError data = %q, want %q", errorData, tt.wantError)
			}
			if view.ID != res.AssistantMessageID || view.StreamingState != tt.wantState {
				t.Errorf("replayed view = %+v, want id %s in state %q", view, res.AssistantMessageID, tt.wantState)
			}
		})
	}
}

func TestShutdownWaitsForReplies(t *testing.T) {
	main := newTestMain(&mockLLM{responses: []string{"partial"}, block: true}, newMockRepo(), nil)

	w := postChat(main, http.MethodPost, "Hello", "", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	cookie := guestCookieFrom(t, w)
	var sent struct {
		AssistantMessageID string `json:"assistantMessageId"`
	}
	if err := json.NewDecoder(w.Body).Decode(&sent); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The cancelled reply has already returned and removed its placeholder.
	cancelReq := httptest.NewRequest(http.MethodPost, "/api/chats/cancel?message_id="+sent.AssistantMessageID, nil)
	cancelRec := httptest.NewRecorder()
	main.HandleCancelChat(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusNotFound {
		t.Errorf("HandleCancelChat() after Shutdown() status = %v, want %v", cancelRec.Code, http.StatusNotFound)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	main.HandleMessages(rec, req)
	var res struct {
		Messages []models.MessageView `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode messages: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Role != string(models.RoleUser) {
		t.Errorf("transcript after Shutdown() = %+v, want only the user message", res.Messages)
	}

	late := postChat(main, http.MethodPost, "Again", "", "", nil)
	if late.Code != http.StatusServiceUnavailable {
		t.Errorf("HandleChats() after Shutdown() status = %v, want %v", late.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleConversations(t *testing.T) {
	repo := newMockRepo()
	own, _ := repo.CreateConversation(context.Background(), "user-1", "Pancakes")
	other, _ := repo.CreateConversation(context.Background(), "user-2", "Secret")
	main := newTestMain(&mockLLM{}, repo, nil)

	tests := []struct {
		name       string
		method     string
		url        string
		user       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Anonymous",
			method:     http.MethodGet,
			url:        "/api/conversations",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "List",
			method:     http.MethodGet,
			url:        "/api/conversations",
			user:       "user-1",
			wantStatus: http.StatusOK,
			wantBody:   `"category":"Today"`,
		},
		{
			name:       "Rename",
			method:     http.MethodPatch,
			url:        "/api/conversations?id=" + own.ID + "&title=Waffles",
			user:       "user-1",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Rename without title",
			method:     http.MethodPatch,
			url:        "/api/conversations?id=" + own.ID,
			user:       "user-1",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Rename foreign conversation",
			method:     http.MethodPatch,
			url:        "/api/conversations?id=" + other.ID + "&title=Mine",
			user:       "user-1",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Delete foreign conversation",
			method:     http.MethodDelete,
			url:        "/api/conversations?id=" + other.ID,
			user:       "user-1",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Delete",
			method:     http.MethodDelete,
			url:        "/api/conversations?id=" + own.ID,
			user:       "user-1",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Delete all",
			method:     http.MethodDelete,
			url:        "/api/conversations",
			user:       "user-2",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			if tt.user != "" {
				req.Header.Set("X-Auth-User", tt.user)
			}
			w := httptest.NewRecorder()

			main.HandleConversations(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleConversations() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleConversations() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}

	if len(repo.convs) != 0 {
		t.Errorf("conversations left = %+v, want none", repo.convs)
	}
}

func TestHandleGuestImport(t *testing.T) {
	guests := services.NewMemorySessions()
	err := guests.Save(context.Background(), transcript.GuestSession{
		ID: "guest-1",
		Messages: []models.ChatMessage{
			{ID: "1", Role: models.RoleUser, Content: "Hi"},
			{ID: "2", Role: models.RoleAssistant, Content: "Hello!"},
		},
		PromptCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	repo := newMockRepo()
	main := newTestMain(&mockLLM{}, repo, guests)

	req := httptest.NewRequest(http.MethodPost, "/api/guest/import", nil)
	req.Header.Set("X-Auth-User", "user-1")
	req.AddCookie(&http.Cookie{Name: "askai_guest_session", Value: "guest-1"})
	w := httptest.NewRecorder()

	main.HandleGuestImport(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("HandleGuestImport() status = %v, want %v", w.Code, http.StatusCreated)
	}
	var conv models.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	if conv.Title != transcript.GuestImportTitle || conv.UserID != "user-1" {
		t.Errorf("HandleGuestImport() conversation = %+v", conv)
	}
	if got := len(repo.messages[conv.ID]); got != 2 {
		t.Errorf("imported messages = %d, want 2", got)
	}
	if _, ok, _ := guests.Load(context.Background(), "guest-1"); ok {
		t.Error("imported guest session should be deleted")
	}
}

func TestHandleGuest(t *testing.T) {
	guests := services.NewMemorySessions()
	_ = guests.Save(context.Background(), transcript.GuestSession{ID: "guest-1", PromptCount: 5})
	main := newTestMain(&mockLLM{}, newMockRepo(), guests)

	req := httptest.NewRequest(http.MethodDelete, "/api/guest", nil)
	req.AddCookie(&http.Cookie{Name: "askai_guest_session", Value: "guest-1"})
	w := httptest.NewRecorder()

	main.HandleGuest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleGuest() status = %v, want %v", w.Code, http.StatusOK)
	}
	cookie := guestCookieFrom(t, w)
	if cookie.Value == "guest-1" {
		t.Error("HandleGuest() should start a new session")
	}
	if !strings.Contains(w.Body.String(), fmt.Sprintf(`"remaining":%d`, transcript.GuestPromptLimit)) {
		t.Errorf("HandleGuest() body = %v, want a full prompt allowance", w.Body.String())
	}
}

func TestHandleStats(t *testing.T) {
	repo := newMockRepo()
	conv, _ := repo.CreateConversation(context.Background(), "user-1", "Stats")
	_, _ = repo.PersistMessage(context.Background(), conv.ID, models.RoleUser, "Hello")
	_, _ = repo.PersistMessage(context.Background(), conv.ID, models.RoleAssistant, "Hi there")
	main := newTestMain(&mockLLM{}, repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-Auth-User", "user-1")
	w := httptest.NewRecorder()

	main.HandleStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleStats() status = %v, want %v", w.Code, http.StatusOK)
	}
	var res struct {
		TotalConversations int    `json:"totalConversations"`
		TotalMessages      int    `json:"totalMessages"`
		UserMessages       int    `json:"userMessages"`
		Storage            string `json:"storage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.TotalConversations != 1 || res.TotalMessages != 2 || res.UserMessages != 1 {
		t.Errorf("HandleStats() = %+v", res)
	}
	if res.Storage == "" {
		t.Error("HandleStats() should format the storage estimate")
	}
}

func postChat(main handlers.Main, method, message, chatID, user string, cookie *http.Cookie) *httptest.ResponseRecorder {
	form := strings.NewReader("message=" + message + "&conversation_id=" + chatID)
	req := httptest.NewRequest(method, "/api/chats", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	main.HandleChats(w, req)
	return w
}

func guestCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "askai_guest_session" {
			return c
		}
	}
	t.Fatal("response did not set the guest session cookie")
	return nil
}

// waitForRelease polls until the reply streaming into messageID can no longer be cancelled.
func waitForRelease(t *testing.T, main handlers.Main, messageID string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodPost, "/api/chats/cancel?message_id="+messageID, nil)
		w := httptest.NewRecorder()
		main.HandleCancelChat(w, req)
		if w.Code == http.StatusNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reply was never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForMessages polls the transcript until it holds want messages.
func waitForMessages(
	t *testing.T,
	main handlers.Main,
	cookie *http.Cookie,
	conversationID string,
	want int,
	user ...string,
) []models.MessageView {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id="+conversationID, nil)
		if cookie != nil {
			req.AddCookie(cookie)
		}
		if len(user) > 0 {
			req.Header.Set("X-Auth-User", user[0])
		}
		w := httptest.NewRecorder()
		main.HandleMessages(w, req)

		var res struct {
			Messages []models.MessageView `json:"messages"`
		}
		if w.Code == http.StatusOK {
			if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
				t.Fatalf("failed to decode messages: %v", err)
			}
			if len(res.Messages) == want {
				return res.Messages
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("HandleMessages() = %d %s, want %d messages", w.Code, w.Body.String(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *mockLLM) Chat(ctx context.Context, _ []models.WireMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.err != nil && m.errAfter == 0 {
			yield("", m.err)
			return
		}
		for i, resp := range m.responses {
			if m.err != nil && i == m.errAfter {
				yield("", m.err)
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			yield("", ctx.Err())
		}
	}
}

func (m *mockAlerts) Configured() bool {
	return m.configured
}

func (m *mockAlerts) Send(_ context.Context, subject, message string) error {
	m.subject = subject
	m.message = message
	return m.err
}

func (m *mockLocator) Locate(_ context.Context, _ string) (string, error) {
	return m.location, m.err
}

func newMockRepo() *mockRepo {
	return &mockRepo{messages: make(map[string][]models.StoredMessage)}
}

func (m *mockRepo) CreateConversation(_ context.Context, userID, title string) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return models.Conversation{}, m.err
	}
	now := time.Now()
	conv := models.Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	m.convs = append(m.convs, conv)
	return conv, nil
}

func (m *mockRepo) Conversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.convs, func(c models.Conversation) bool { return c.ID == id })
	if idx == -1 {
		return models.Conversation{}, transcript.ErrNotFound
	}
	return m.convs[idx], nil
}

func (m *mockRepo) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	var res []models.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *mockRepo) RenameConversation(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.convs, func(c models.Conversation) bool { return c.ID == id })
	if idx == -1 {
		return transcript.ErrNotFound
	}
	m.convs[idx].Title = title
	return m.err
}

func (m *mockRepo) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.convs = slices.DeleteFunc(m.convs, func(c models.Conversation) bool { return c.ID == id })
	delete(m.messages, id)
	return m.err
}

func (m *mockRepo) DeleteAllConversations(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.convs = slices.DeleteFunc(m.convs, func(c models.Conversation) bool {
		if c.UserID == userID {
			delete(m.messages, c.ID)
			return true
		}
		return false
	})
	return m.err
}

func (m *mockRepo) PersistMessage(
	_ context.Context,
	conversationID string,
	role models.Role,
	content string,
) (models.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return models.StoredMessage{}, m.err
	}
	msg := models.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

func (m *mockRepo) FetchMessages(_ context.Context, conversationID string) ([]models.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[conversationID]), nil
}

func (m *mockRepo) DeleteMessage(_ context.Context, conversationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.messages[conversationID], func(s models.StoredMessage) bool { return s.ID == id })
	if idx == -1 {
		return transcript.ErrNotFound
	}
	m.messages[conversationID] = slices.Delete(m.messages[conversationID], idx, idx+1)
	return nil
}
