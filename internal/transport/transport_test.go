package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/wire"
)

func TestSendDeliversFramedMessage(t *testing.T) {
	received := make(chan wire.Message, 1)
	mux := http.NewServeMux()
	Serve(mux, zap.NewNop(), func(from string, msg wire.Message) {
		received <- msg
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(zap.NewNop(), time.Second)
	defer tr.Stop()

	tr.Send(srv.URL, wire.TypeProbe, "mon.a", 3, wire.ProbePayload{Name: "mon.a"})

	select {
	case msg := <-received:
		require.Equal(t, wire.TypeProbe, msg.Type)
		require.Equal(t, "mon.a", msg.Header.Sender)
		require.Equal(t, uint64(3), msg.Header.Epoch)
		var p wire.ProbePayload
		require.NoError(t, wire.Unmarshal(msg, &p))
		require.Equal(t, "mon.a", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSendDropsOnFullQueueWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	Serve(mux, zap.NewNop(), func(from string, msg wire.Message) {
		<-block
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	tr := NewHTTPTransport(zap.NewNop(), time.Second)
	defer tr.Stop()

	for i := 0; i < queueSize+numWorkers+10; i++ {
		tr.Send(srv.URL, wire.TypeProbe, "mon.a", 1, wire.ProbePayload{})
	}
}

func TestWatchReportsHealthy(t *testing.T) {
	mux := http.NewServeMux()
	Serve(mux, zap.NewNop(), func(string, wire.Message) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTransport(zap.NewNop(), time.Second)
	defer tr.Stop()

	require.NoError(t, tr.Watch(srv.URL, 50*time.Millisecond))
	require.Eventually(t, func() bool {
		return tr.Healthy(srv.URL)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, tr.Unwatch(srv.URL))
}

func TestHealthyFalseForUnwatchedPeer(t *testing.T) {
	tr := NewHTTPTransport(zap.NewNop(), time.Second)
	defer tr.Stop()

	require.False(t, tr.Healthy("http://127.0.0.1:1"))
}

func TestStopIsIdempotent(t *testing.T) {
	tr := NewHTTPTransport(zap.NewNop(), time.Second)
	tr.Stop()
	tr.Stop()
}
