package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/voicechat/pkg/orchestrator"
	"github.com/go-go-golems/voicechat/pkg/session"
)

// LineMode is the non-interactive surface used when stdin is not a terminal.
// Lines starting with a slash are commands, anything else is chat input.
type LineMode struct {
	ctrl Controller
	out  io.Writer

	mu      sync.Mutex
	gen     uint64
	printed int
}

func NewLineMode(ctrl Controller, out io.Writer) *LineMode {
	return &LineMode{ctrl: ctrl, out: out}
}

// Attach prints transcript and lifecycle changes to the output.
func (l *LineMode) Attach(n Notifier) func() {
	unsubSession := n.OnSessionChange(l.printTransition)
	unsubTranscript := n.OnTranscriptChange(l.printUpdate)
	return func() {
		unsubSession()
		unsubTranscript()
	}
}

func (l *LineMode) printTransition(t session.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Err != nil {
		_, _ = fmt.Fprintf(l.out, "* session %s (gen %d): %v\n", t.To, t.Generation, t.Err)
		return
	}
	_, _ = fmt.Fprintf(l.out, "* session %s (gen %d)\n", t.To, t.Generation)
}

func (l *LineMode) printUpdate(u orchestrator.TranscriptUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := u.Snapshot
	if s.Generation != l.gen || len(s.Messages) < l.printed {
		l.gen = s.Generation
		l.printed = 0
	}
	for _, msg := range s.Messages[l.printed:] {
		who := "agent"
		if msg.IsLocal() {
			who = "you"
		}
		_, _ = fmt.Fprintf(l.out, "%s> %s\n", who, msg.Payload)
	}
	l.printed = len(s.Messages)
}

// Run reads commands from in until EOF, /quit or ctx cancellation.
func (l *LineMode) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return errors.Wrap(err, "read input")
		case line := <-lines:
			quit, err := l.Handle(ctx, line)
			if err != nil {
				l.mu.Lock()
				_, _ = fmt.Fprintf(l.out, "! %v\n", err)
				l.mu.Unlock()
			}
			if quit {
				return nil
			}
		}
	}
}

// Handle executes one input line and reports whether the loop should stop.
func (l *LineMode) Handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/start":
		_, err := l.ctrl.StartSession(ctx)
		return false, err
	case "/restart":
		return false, l.ctrl.HandleIntent(orchestrator.IntentRestart)
	case "/leave":
		return false, l.ctrl.HandleIntent(orchestrator.IntentLeave)
	case "/chat":
		return false, l.ctrl.HandleIntent(orchestrator.IntentToggleChat)
	case "/quit":
		return true, nil
	}
	if strings.HasPrefix(line, "/") {
		return false, errors.Errorf("unknown command %s", line)
	}
	return false, l.ctrl.SendChat(ctx, line)
}
