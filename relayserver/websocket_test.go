package relayserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/guardian-switch/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

// serverConn returns the server side of a websocket whose peer never reads.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	release := make(chan struct{})
	ts := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		conns <- conn
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	peer, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/", "", ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("websocket not accepted")
		return nil
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	key, err := events.GenerateKey()
	require.NoError(t, err)

	// No writer runs, so nothing drains the queue.
	slow := newClient(serverConn(t), testLogger())
	h := newHub()
	h.subscribe(slow, "all", []events.Filter{{}})

	var evs []*events.Event
	for i := 0; i <= outboundQueueSize; i++ {
		evs = append(evs, signed(t, key, events.KindHeartbeat, int64(i+1), "sw", ""))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ev := range evs {
			h.broadcast(ev)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	select {
	case <-slow.done:
	default:
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.Len(t, slow.out, outboundQueueSize)
}

func TestStalledSubscriberDoesNotBlockPublishes(t *testing.T) {
	srv, ts := newTestRelay(t, RateLimit{})
	key, err := events.GenerateKey()
	require.NoError(t, err)

	// Subscribes and never reads again.
	stalled, err := websocket.Dial(wsURL(ts), "", ts.URL)
	require.NoError(t, err)
	defer stalled.Close()
	require.NoError(t, websocket.Message.Send(stalled, `["REQ","all",{}]`))
	require.Eventually(t, func() bool { return srv.handler.hub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	content := strings.Repeat("x", 16<<10)
	start := time.Now()
	for i := 0; i < 2*outboundQueueSize; i++ {
		ev := events.New(events.KindHeartbeat, time.Unix(int64(i+1), 0), events.SwitchTags("sw", 0), content)
		require.NoError(t, ev.Sign(key))
		accepted, message := srv.handler.accept("publisher", ev)
		require.True(t, accepted, message)
	}
	assert.Less(t, time.Since(start), 30*time.Second)
}
