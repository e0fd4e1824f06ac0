package sink

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/liveq/testutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

func startJetStream(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()
	return testutil.StartEmbeddedNATS(t)
}

// fetchStream reads the first n messages stored in a stream
func fetchStream(t *testing.T, nc *nats.Conn, stream string, n int, timeout time.Duration) []*jetstream.RawStreamMsg {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	s, err := js.Stream(ctx, stream)
	require.NoError(t, err)

	msgs := make([]*jetstream.RawStreamMsg, 0, n)
	for seq := uint64(1); seq <= uint64(n); seq++ {
		msg, err := s.GetMsg(ctx, seq)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}
