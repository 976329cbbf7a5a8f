//go:build !windows

package fabric

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	return startRelayAt(t, filepath.Join(t.TempDir(), "relay.sock"))
}

func TestRelayFansOutAcrossWorkers(t *testing.T) {
	relay, addr := startRelay(t)

	fabrics := make([]*Fabric, 3)
	sinks := make([]*recordingSink, 3)
	transports := make([]*IPCTransport, 3)
	for i := range fabrics {
		origin := fmt.Sprintf("w%d", i)
		transports[i] = NewIPCTransport(addr, origin)
		fabrics[i] = New(origin, transports[i], zerolog.Nop(), WithBackoff(10*time.Millisecond, 50*time.Millisecond))
		sinks[i] = newRecordingSink()
		fabrics[i].Attach(sinks[i])
		startFabric(t, fabrics[i])
	}
	require.Eventually(t, func() bool { return relay.PeerCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	for _, tr := range transports {
		require.Eventually(t, tr.Connected, time.Second, 10*time.Millisecond)
	}

	require.NoError(t, fabrics[1].PublishLocalAndRemote(context.Background(), Event{Sequence: 5, Content: "from w1"}))

	for i, s := range sinks {
		ev := s.next(t)
		require.Equal(t, int64(5), ev.Sequence, "worker %d", i)
		require.Equal(t, "w1", ev.Origin, "worker %d", i)
	}
	for _, s := range sinks {
		s.none(t, 50*time.Millisecond)
	}
}

func TestIPCTransportUnavailableBeforeConnect(t *testing.T) {
	tr := NewIPCTransport(filepath.Join(t.TempDir(), "nobody.sock"), "w0")
	err := tr.Publish(context.Background(), Event{Sequence: 1})
	require.ErrorIs(t, err, ErrTransportUnavailable)

	err = tr.Run(context.Background(), func(Event) {})
	require.Error(t, err)
	require.False(t, tr.Connected())
}

func TestWorkerReconnectsAfterRelayRestart(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "relay.sock")
	first := NewRelay(addr, zerolog.Nop())
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan error, 1)
	go func() { done1 <- first.Serve(ctx1) }()

	tr := NewIPCTransport(addr, "w0")
	f := New("w0", tr, zerolog.Nop(), WithBackoff(10*time.Millisecond, 20*time.Millisecond))
	sink := newRecordingSink()
	f.Attach(sink)
	startFabric(t, f)
	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)

	cancel1()
	<-done1
	require.Eventually(t, func() bool { return !tr.Connected() }, 2*time.Second, 10*time.Millisecond)

	// Local delivery keeps working while the relay is gone.
	require.NoError(t, f.PublishLocalAndRemote(context.Background(), Event{Sequence: 1}))
	require.Equal(t, int64(1), sink.next(t).Sequence)

	second, _ := startRelayAt(t, addr)
	require.Eventually(t, func() bool { return second.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func startRelayAt(t *testing.T, addr string) (*Relay, string) {
	t.Helper()
	relay := NewRelay(addr, zerolog.Nop())
	require.NoError(t, relay.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return relay, addr
}
