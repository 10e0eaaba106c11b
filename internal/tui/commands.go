package tui

import (
	"context"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/chat"
	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/MegaGrindStone/askai-chat/internal/reveal"
	tea "github.com/charmbracelet/bubbletea"
)

type frameMsg time.Time

type replyBeganMsg struct {
	id string
}

type replyDeltaMsg struct {
	id      string
	content string
}

type replyFinishedMsg struct {
	id      string
	content string
}

type replyFailedMsg struct {
	id  string
	err error
}

type turnDoneMsg struct {
	err error
}

// channelPresenter forwards the reply of a session to the program. Every event of a turn, and the
// turnDoneMsg closing it, is sent from the goroutine running the turn, so they arrive in order.
type channelPresenter struct {
	events chan<- tea.Msg
}

func (p channelPresenter) Begin(messageID string) {
	p.events <- replyBeganMsg{id: messageID}
}

func (p channelPresenter) Update(messageID, content string) {
	p.events <- replyDeltaMsg{id: messageID, content: content}
}

func (p channelPresenter) Finish(messageID, content string) {
	p.events <- replyFinishedMsg{id: messageID, content: content}
}

func (p channelPresenter) Fail(messageID string, err error) {
	p.events <- replyFailedMsg{id: messageID, err: err}
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func sendCmd(s *chat.Session, events chan<- tea.Msg, content string, files []document.File) tea.Cmd {
	return func() tea.Msg {
		_, err := s.Send(context.Background(), content, files)
		events <- turnDoneMsg{err: err}
		return nil
	}
}

func frameCmd() tea.Cmd {
	return tea.Tick(reveal.FrameInterval, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}
