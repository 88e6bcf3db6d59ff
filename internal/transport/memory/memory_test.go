package memory

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/stretchr/testify/require"
)

func recvEnvelope(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope")
		return nil
	}
}

func recvHealth(t *testing.T, ch <-chan transport.Health) transport.Health {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for health")
		return ""
	}
}

func TestBus_DeliversWithDuplicates(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(WithDuplicates(2))
	sub, err := bus.Client().Subscribe(ctx, "ab12cd")
	req.NoError(err)
	req.Equal(transport.HealthConnected, recvHealth(t, sub.Health))

	req.NoError(bus.Client().Publish(ctx, "ab12cd", []byte("one")))
	for i := 0; i < 3; i++ {
		req.Equal("one", string(recvEnvelope(t, sub.Events)))
	}
	req.Len(bus.History("ab12cd"), 1)
	req.Empty(bus.History("other"))
}

func TestClient_PauseDropsLiveEventsButHistoryKeepsThem(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	alice, bob := bus.Client(), bus.Client()
	sub, err := bob.Subscribe(ctx, "ab12cd")
	req.NoError(err)
	recvHealth(t, sub.Health)

	bob.Pause()
	req.Equal(transport.HealthReconnecting, recvHealth(t, sub.Health))
	req.ErrorIs(bob.Publish(ctx, "ab12cd", []byte("x")), transport.ErrUnreachable)
	_, err = bob.FetchHistory(ctx, "ab12cd")
	req.ErrorIs(err, transport.ErrUnreachable)

	req.NoError(alice.Publish(ctx, "ab12cd", []byte("missed")))
	bob.Resume()
	req.Equal(transport.HealthConnected, recvHealth(t, sub.Health))

	select {
	case b := <-sub.Events:
		t.Fatalf("paused client received %q", b)
	default:
	}

	history, err := bob.FetchHistory(ctx, "ab12cd")
	req.NoError(err)
	req.Equal([][]byte{[]byte("missed")}, history)
}

func TestSubscribe_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := NewBus().Client().Subscribe(ctx, "ab12cd")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
