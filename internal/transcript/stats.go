package transcript

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/askai-chat/internal/models"
)

// messageOverheadBytes approximates the per-row cost of id, timestamps and role.
const messageOverheadBytes = 200

// Stats summarizes the stored history of one user.
type Stats struct {
	TotalConversations     int        `json:"totalConversations"`
	TotalMessages          int        `json:"totalMessages"`
	UserMessages           int        `json:"userMessages"`
	AssistantMessages      int        `json:"assistantMessages"`
	EstimatedStorageKB     float64    `json:"estimatedStorageKB"`
	AverageMessageLength   int        `json:"averageMessageLength"`
	AverageMessagesPerChat float64    `json:"averageMessagesPerChat"`
	OldestConversation     *time.Time `json:"oldestConversation"`
	NewestConversation     *time.Time `json:"newestConversation"`
}

// ComputeStats builds Stats from the conversations of a user and all of their messages.
func ComputeStats(convs []models.Conversation, msgs []models.StoredMessage) Stats {
	var s Stats
	s.TotalConversations = len(convs)
	for _, c := range convs {
		created := c.CreatedAt
		if s.OldestConversation == nil || created.Before(*s.OldestConversation) {
			s.OldestConversation = &created
		}
		if s.NewestConversation == nil || created.After(*s.NewestConversation) {
			s.NewestConversation = &created
		}
	}
	if len(convs) == 0 {
		return s
	}

	totalChars := 0
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			s.UserMessages++
		case models.RoleAssistant:
			s.AssistantMessages++
		}
		totalChars += utf8.RuneCountInString(m.Content)
	}
	s.TotalMessages = len(msgs)
	if s.TotalMessages > 0 {
		s.AverageMessageLength = int(math.Round(float64(totalChars) / float64(s.TotalMessages)))
	}
	s.AverageMessagesPerChat = math.Round(float64(s.TotalMessages)/float64(s.TotalConversations)*10) / 10
	s.EstimatedStorageKB = EstimateStorageKB(totalChars, s.TotalMessages)
	return s
}

// EstimateStorageKB approximates the stored size of messageCount messages holding totalChars
// characters, rounded to two decimals.
func EstimateStorageKB(totalChars, messageCount int) float64 {
	bytes := float64(messageCount*messageOverheadBytes + totalChars)
	return math.Round(bytes/1024*100) / 100
}

// FormatStorage renders a size in kilobytes for display.
func FormatStorage(kb float64) string {
	switch {
	case kb < 1:
		return "< 1 KB"
	case kb < 1024:
		return fmt.Sprintf("%.1f KB", kb)
	}
	mb := kb / 1024
	if mb < 1024 {
		return fmt.Sprintf("%.2f MB", mb)
	}
	return fmt.Sprintf("%.2f GB", mb/1024)
}
