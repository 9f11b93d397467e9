package redisstream

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/voicechat/pkg/feed"
	"github.com/go-go-golems/voicechat/pkg/transcript"
)

func TestBuildBus_InMemoryDeliversEarlyMessages(t *testing.T) {
	bus, err := BuildBus(Settings{Enabled: false})
	require.NoError(t, err)
	defer func() { require.NoError(t, bus.Close()) }()

	require.NoError(t, bus.Publisher.Publish("transcript:s1", message.NewMessage(watermill.NewUUID(), []byte("hello"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscriber.Subscribe(ctx, "transcript:s1")
	require.NoError(t, err)

	select {
	case msg := <-ch:
		require.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message published before subscribe was not delivered")
	}
}

func TestBuildBus_InMemoryKeepsTranscriptOrder(t *testing.T) {
	bus, err := BuildBus(DefaultSettings())
	require.NoError(t, err)
	defer func() { require.NoError(t, bus.Close()) }()

	pub := feed.NewPublisher(bus.Publisher)
	// The first half is published before the feed attaches and is replayed.
	for i := 0; i < 25; i++ {
		require.NoError(t, pub.Publish("transcript:s2", transcript.Event{Payload: fmt.Sprintf("m%d", i)}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := feed.NewSource(bus.Subscriber).Subscribe(ctx, "transcript:s2")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		for i := 25; i < 50; i++ {
			if err := pub.Publish("transcript:s2", transcript.Event{Payload: fmt.Sprintf("m%d", i)}); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	for i := 0; i < 50; i++ {
		select {
		case ev := <-ch:
			require.Equal(t, fmt.Sprintf("m%d", i), ev.Payload)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for m%d", i)
		}
	}
	require.NoError(t, <-errs)
}

func TestBuildBus_RedisRequiresAddress(t *testing.T) {
	_, err := BuildBus(Settings{Enabled: true})
	require.Error(t, err)
}

func TestSettingsFromValues_NilUsesDefaults(t *testing.T) {
	s, err := SettingsFromValues(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(), s)
	require.False(t, s.Enabled)
}

func TestNewParameterLayer(t *testing.T) {
	section, err := NewParameterLayer()
	require.NoError(t, err)
	require.Equal(t, RedisSlug, section.GetSlug())
}

func TestWatermillLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf)).With(watermill.LogFields{"topic": "transcript:s1"})
	l.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"topic":"transcript:s1"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, "publish failed")
}
