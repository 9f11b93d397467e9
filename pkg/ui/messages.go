package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/voicechat/pkg/orchestrator"
	"github.com/go-go-golems/voicechat/pkg/session"
)

// SessionMsg carries a lifecycle transition into the program.
type SessionMsg struct {
	Transition session.Transition
}

// TranscriptMsg carries a transcript change and its scroll decision.
type TranscriptMsg struct {
	Update orchestrator.TranscriptUpdate
}

type ChatVisibilityMsg struct {
	Open bool
}

type errMsg struct{ err error }

type copiedMsg struct{ n int }

// Controller is what the model drives. *orchestrator.Orchestrator satisfies it.
type Controller interface {
	View() orchestrator.View
	HandleIntent(intent orchestrator.Intent) error
	StartSession(ctx context.Context) (session.Session, error)
	SendChat(ctx context.Context, text string) error
}

// Notifier is the subscription side of the orchestrator.
type Notifier interface {
	OnSessionChange(fn func(session.Transition)) func()
	OnTranscriptChange(fn func(orchestrator.TranscriptUpdate)) func()
	OnChatVisibility(fn func(bool))
}

// Bridge forwards orchestrator notifications to a running program. The
// returned function stops session and transcript forwarding.
func Bridge(p interface{ Send(tea.Msg) }, n Notifier) func() {
	unsubSession := n.OnSessionChange(func(t session.Transition) {
		p.Send(SessionMsg{Transition: t})
	})
	unsubTranscript := n.OnTranscriptChange(func(u orchestrator.TranscriptUpdate) {
		p.Send(TranscriptMsg{Update: u})
	})
	n.OnChatVisibility(func(open bool) {
		p.Send(ChatVisibilityMsg{Open: open})
	})
	return func() {
		unsubSession()
		unsubTranscript()
	}
}
