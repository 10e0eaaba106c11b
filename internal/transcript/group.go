package transcript

import (
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/models"
)

// Date categories of the conversation list, in display order.
const (
	CategoryToday     = "Today"
	CategoryYesterday = "Yesterday"
	CategoryLastWeek  = "Last 7 Days"
	CategoryLastMonth = "Last 30 Days"
	CategoryOlder     = "Older"
)

var categoryOrder = []string{
	CategoryToday,
	CategoryYesterday,
	CategoryLastWeek,
	CategoryLastMonth,
	CategoryOlder,
}

// ConversationGroup is a run of conversations sharing a date category.
type ConversationGroup struct {
	Category      string                `json:"category"`
	Conversations []models.Conversation `json:"conversations"`
}

// DateCategory places t relative to the calendar day of now, in now's location.
func DateCategory(t, now time.Time) string {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	switch {
	case !t.Before(today):
		return CategoryToday
	case !t.Before(today.AddDate(0, 0, -1)):
		return CategoryYesterday
	case !t.Before(today.AddDate(0, 0, -7)):
		return CategoryLastWeek
	case !t.Before(today.AddDate(0, 0, -30)):
		return CategoryLastMonth
	}
	return CategoryOlder
}

// GroupByDate buckets convs by the date category of UpdatedAt. Empty categories are omitted and the
// order of convs is kept inside each group.
func GroupByDate(convs []models.Conversation, now time.Time) []ConversationGroup {
	buckets := make(map[string][]models.Conversation)
	for _, c := range convs {
		cat := DateCategory(c.UpdatedAt, now)
		buckets[cat] = append(buckets[cat], c)
	}

	var groups []ConversationGroup
	for _, cat := range categoryOrder {
		if len(buckets[cat]) == 0 {
			continue
		}
		groups = append(groups, ConversationGroup{
			Category:      cat,
			Conversations: buckets[cat],
		})
	}
	return groups
}
