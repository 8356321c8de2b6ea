package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, ...Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{rec, failing{boom}, Discard{}}

	err := m.Publish(context.Background(), New(BreakerTripped, "*", 3, nil))
	assert.ErrorIs(t, err, boom)
	require.Len(t, rec.Events(), 1, "a failing publisher must not starve the others")
	assert.Len(t, rec.OfType(BreakerTripped), 1)
	assert.Empty(t, rec.OfType(BreakerResolved))
}

func TestMessagesKeyedByScope(t *testing.T) {
	ev := New(LiquidationExecuted, "BTC-USD-PERP", 9, map[string]string{"position_id": "p1"})
	msgs, err := Messages([]Event{ev})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "BTC-USD-PERP", string(msgs[0].Key))
	assert.Equal(t, "type", msgs[0].Headers[0].Key)
	assert.Equal(t, string(LiquidationExecuted), string(msgs[0].Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, int64(9), decoded.Cycle)
}

func TestHubBroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, New(CascadeDetected, "ETH-USD-PERP", 4, nil)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, CascadeDetected, got.Type)
	assert.Equal(t, "ETH-USD-PERP", got.Scope)
}


func TestHubRejectsUnlistedOrigins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub("https://ops.atmx.io/")
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ops.atmx.io"}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}
