package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf16"
)

type authAlertRequest struct {
	Type      string `json:"type"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	UserAgent string `json:"userAgent"`
}

type authAlertResponse struct {
	Success bool `json:"success"`
}

const (
	alertTypeSignup = "signup"
	alertTypeLogin  = "login"

	// AlertFromName is the sender name shown on auth alert mails.
	AlertFromName = "AskAI Auth System"
	alertRule     = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	alertTime     = "Monday, January 2, 2006, 03:04:05 PM MST"

	maxEmailLength     = 255
	maxAlertNameLength = 100
	maxUserAgentLength = 500
)

// HandleAuthAlert mails a notification about a sign up or a login. The client address is taken from the
// proxy headers and resolved to an approximate location on a best-effort basis.
func (m Main) HandleAuthAlert(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		writeFunctionError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if m.alerts == nil || !m.alerts.Configured() {
		m.logger.Error("Alert sender is not configured")
		writeFunctionError(w, http.StatusInternalServerError, "Email service not configured")
		return
	}

	var req authAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode auth alert", slog.String(errLoggerKey, err.Error()))
		writeFunctionError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if req.Type != alertTypeSignup && req.Type != alertTypeLogin {
		writeFunctionError(w, http.StatusBadRequest, "Invalid type")
		return
	}
	if req.Email == "" || utf16Len(req.Email) > maxEmailLength {
		writeFunctionError(w, http.StatusBadRequest, "Invalid email")
		return
	}

	ip := forwardedIP(r)
	location := "Unknown"
	if m.locator != nil {
		loc, err := m.locator.Locate(r.Context(), ip)
		if err != nil {
			m.logger.Info("Could not fetch location", slog.String("ip", ip), slog.String(errLoggerKey, err.Error()))
		} else {
			location = loc
		}
	}

	title, message := m.alertMessage(req, ip, location)
	if err := m.alerts.Send(r.Context(), title, message); err != nil {
		m.logger.Error("Failed to send alert", slog.String(errLoggerKey, err.Error()))
		writeFunctionError(w, http.StatusInternalServerError, "Failed to send alert")
		return
	}

	m.logger.Info("Auth alert sent", slog.String("email", req.Email))
	writeJSON(w, http.StatusOK, authAlertResponse{Success: true})
}

func (m Main) alertMessage(req authAlertRequest, ip, location string) (string, string) {
	title := "🔐 AskAI User Login Alert"
	action := "User Login"
	if req.Type == alertTypeSignup {
		title = "🆕 AskAI New User Sign Up Alert"
		action = "New Registration"
	}

	name := "Not provided"
	if req.Name != "" {
		name = truncateUTF16(req.Name, maxAlertNameLength)
	}
	userAgent := "Unknown"
	if req.UserAgent != "" {
		userAgent = truncateUTF16(req.UserAgent, maxUserAgentLength)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s\n%s\n\n", alertRule, title, alertRule)
	fmt.Fprintf(&sb, "📧 Email: %s\n", req.Email)
	fmt.Fprintf(&sb, "👤 Name: %s\n", name)
	fmt.Fprintf(&sb, "🕐 Time: %s\n", m.now().Format(alertTime))
	fmt.Fprintf(&sb, "🌐 IP Address: %s\n", ip)
	fmt.Fprintf(&sb, "📍 Approx Location: %s\n", location)
	fmt.Fprintf(&sb, "💻 Device/Browser: %s\n", userAgent)
	fmt.Fprintf(&sb, "🔄 Action Type: %s\n\n", action)
	sb.WriteString(alertRule)

	return title, sb.String()
}

// truncateUTF16 keeps at most n UTF-16 code units of s without splitting a character.
func truncateUTF16(s string, n int) string {
	units := 0
	for i, r := range s {
		units += utf16.RuneLen(r)
		if units > n {
			return s[:i]
		}
	}
	return s
}
