package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voicechat/pkg/orchestrator"
	"github.com/go-go-golems/voicechat/pkg/session"
	"github.com/go-go-golems/voicechat/pkg/transcript"
)

func TestLineMode_DispatchesCommandsAndChat(t *testing.T) {
	f := newFake(orchestrator.CapabilitySet{Chat: true, Leave: true})
	var out bytes.Buffer
	lm := NewLineMode(f, &out)

	input := strings.Join([]string{"/start", "hello", "/restart", "/bogus", "/leave", "/quit", "never sent"}, "\n")
	require.NoError(t, lm.Run(context.Background(), strings.NewReader(input)))

	require.Equal(t, 1, f.started)
	require.Equal(t, []string{"hello"}, f.sent)
	require.Equal(t, []orchestrator.Intent{orchestrator.IntentRestart, orchestrator.IntentLeave}, f.intents)
	require.Contains(t, out.String(), "unknown command /bogus")
}

func TestLineMode_PrintsOnlyNewMessages(t *testing.T) {
	var out bytes.Buffer
	lm := NewLineMode(newFake(orchestrator.CapabilitySet{}), &out)

	msgs := messages(2, true)
	lm.printUpdate(orchestrator.TranscriptUpdate{Snapshot: transcript.Snapshot{Generation: 1, Messages: msgs[:1]}})
	lm.printUpdate(orchestrator.TranscriptUpdate{Snapshot: transcript.Snapshot{Generation: 1, Messages: msgs}})
	lm.printUpdate(orchestrator.TranscriptUpdate{Snapshot: transcript.Snapshot{Generation: 2}})
	lm.printTransition(session.Transition{From: session.StateActive, To: session.StateEnding, Generation: 1})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "agent> "))
	require.True(t, strings.HasPrefix(lines[1], "you> "))
	require.Equal(t, "* session ending (gen 1)", lines[2])
}
