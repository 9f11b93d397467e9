package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestCommandsBuild(t *testing.T) {
	chat, err := NewChatCommand()
	require.NoError(t, err)
	require.Equal(t, "chat", chat.Name)

	serve, err := NewServeCommand()
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name)
}

func TestMiddlewaresOrder(t *testing.T) {
	mws, err := middlewares(nil, &cobra.Command{Use: "chat"}, nil)
	require.NoError(t, err)
	require.Len(t, mws, 4)
}
