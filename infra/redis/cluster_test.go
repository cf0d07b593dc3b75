package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/msg-delivery-service/config"
)

func testCluster(t *testing.T) (*Cluster, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClusterWithClient("test", client, config.Cache{
		Retries:             3,
		CommandTimeout:      time.Second,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  1000,
		BreakerOpenDuration: time.Second,
	}, logger), mr
}

func TestDoRunsCommands(t *testing.T) {
	cluster, mr := testCluster(t)

	err := cluster.Do(context.Background(), func(ctx context.Context, client goredis.UniversalClient) error {
		return client.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDoSurfacesLogicalMissWithoutRetry(t *testing.T) {
	cluster, _ := testCluster(t)

	calls := 0
	err := cluster.Do(context.Background(), func(ctx context.Context, client goredis.UniversalClient) error {
		calls++
		return client.Get(ctx, "absent").Err()
	})
	assert.ErrorIs(t, err, goredis.Nil)
	assert.Equal(t, 1, calls)
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestDoRetriesTransientFailures(t *testing.T) {
	cluster, _ := testCluster(t)

	calls := 0
	err := cluster.Do(context.Background(), func(ctx context.Context, client goredis.UniversalClient) error {
		calls++
		if calls < 3 {
			return fakeNetError{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"logical miss", goredis.Nil, false},
		{"breaker open", gobreaker.ErrOpenState, false},
		{"breaker half open", gobreaker.ErrTooManyRequests, false},
		{"cancellation", context.Canceled, false},
		{"command timeout", context.DeadlineExceeded, true},
		{"network", fakeNetError{}, true},
		{"wrapped network", errors.Join(errors.New("cmd failed"), fakeNetError{}), true},
		{"logical reply", errors.New("WRONGTYPE Operation against a key"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
