package voice

import (
	"context"
	"testing"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/commands"
	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type stubPeer struct{ id string }

func (p stubPeer) ID() string          { return p.id }
func (p stubPeer) Name() string        { return p.id }
func (p stubPeer) Send(any, int) error { return nil }

func TestHandleServerRepliesThroughPeer(t *testing.T) {
	testlog.Start(t)
	h := New(commands.DefaultEngine())
	capture := bridge.NewCapture(stubPeer{id: "dev"})

	require.NoError(t, h.HandleServer(context.Background(), capture, map[string]any{"voice": "test", "talk": false}))
	sent := capture.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, 2, sent[0].Opcode)
	require.Equal(t, Reply{Success: true, Resp: "Everything is working!"}, sent[0].Content)

	require.NoError(t, h.HandleServer(context.Background(), capture, map[string]any{"voice": "unlock the door"}))
	require.Equal(t, Reply{Success: false, Resp: ""}, capture.Sent()[1].Content)
}

func TestHandleClientDeliversReply(t *testing.T) {
	testlog.Start(t)
	h := New(nil)
	var got Reply
	h.OnReply(func(_ bridge.Peer, r Reply) { got = r })

	require.NoError(t, h.HandleClient(context.Background(), stubPeer{id: "hub"}, map[string]any{"success": true, "resp": "12:00"}))
	require.Equal(t, Reply{Success: true, Resp: "12:00"}, got)
}

func TestHandleClientAnswersCommands(t *testing.T) {
	testlog.Start(t)
	h := New(commands.DefaultEngine())
	capture := bridge.NewCapture(stubPeer{id: "hub"})
	require.NoError(t, h.HandleClient(context.Background(), capture, map[string]any{"voice": "echo hi"}))
	require.Equal(t, []any{Reply{Success: true, Resp: "hi"}}, capture.Contents())
}
