package stream

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/position.report/internal/protocol"
)

func dialGRPC(t *testing.T, s *Stream) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(s, 16)
	served := make(chan error, 1)
	go func() { served <- g.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Stop(ctx)
		assert.NoError(t, <-served)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCSubscribeStreamsFilteredEvents(t *testing.T) {
	t.Parallel()

	s := New(Config{StaleHorizon: time.Second})
	conn := dialGRPC(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := SubscribeRemote(ctx, conn, 5)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, 2*time.Second, time.Millisecond)

	s.Publish(fixAt(4, start, 1, 1))
	s.Publish(fixAt(5, start, 2.5, 3.25))

	ev, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindFix, ev.Kind)
	assert.Equal(t, uint16(5), ev.TagID)
	assert.InDelta(t, 2.5, ev.Fix.X, 1e-3)
	assert.InDelta(t, 3.25, ev.Fix.Y, 1e-3)
	assert.Equal(t, protocol.ConfidenceHigh, ev.Fix.Confidence)
	assert.Equal(t, []uint16{1, 2, 3, 4}, ev.Fix.Anchors)
	assert.True(t, ev.At.Equal(start))

	sweptAt := start.Add(2 * time.Second)
	require.Len(t, s.Sweep(sweptAt), 2)
	ev, err = sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindLost, ev.Kind)
	assert.Equal(t, uint16(5), ev.TagID)
	assert.True(t, ev.Fix.Stale)
	assert.True(t, ev.At.Equal(sweptAt))

	s.Close()
	_, err = sub.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return s.Subscribers() == 0 }, 2*time.Second, time.Millisecond)
}

func TestGRPCClientCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	s := New(Config{StaleHorizon: time.Second})
	conn := dialGRPC(t, s)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := SubscribeRemote(ctx, conn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return s.Subscribers() == 0 }, 2*time.Second, time.Millisecond)
}

func TestGRPCSubscribeErrors(t *testing.T) {
	t.Parallel()

	recvErr := func(t *testing.T, conn *grpc.ClientConn, filter string) error {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], SubscribeMethod)
		require.NoError(t, err)
		require.NoError(t, cs.SendMsg(wrapperspb.String(filter)))
		require.NoError(t, cs.CloseSend())
		return cs.RecvMsg(new(wrapperspb.BytesValue))
	}

	s := New(Config{})
	conn := dialGRPC(t, s)
	assert.Equal(t, codes.InvalidArgument, status.Code(recvErr(t, conn, "1,tag")))

	s.Close()
	assert.Equal(t, codes.Unavailable, status.Code(recvErr(t, conn, "")))
}

func TestEventEncoding(t *testing.T) {
	t.Parallel()

	ev := Event{Kind: KindLost, TagID: 9, Fix: fixAt(9, start, -1.5, 4), At: start.Add(time.Second)}
	ev.Fix.Stale = true
	b, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, KindLost, got.Kind)
	assert.Equal(t, uint16(9), got.TagID)
	assert.True(t, got.Fix.Stale)
	assert.InDelta(t, -1.5, got.Fix.X, 1e-3)
	assert.True(t, got.At.Equal(ev.At))

	_, err = DecodeEvent(b[:4])
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	bad := append([]byte(nil), b...)
	bad[0] = 7
	_, err = DecodeEvent(bad)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	bad[0] = byte(KindFix)
	bad[len(bad)-1] ^= 0xff
	_, err = DecodeEvent(bad)
	assert.ErrorIs(t, err, protocol.ErrChecksum)
}

func TestParseTagFilter(t *testing.T) {
	t.Parallel()

	tags, err := ParseTagFilter(" 1, 0x10,,7 ")
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 16, 7}, tags)

	tags, err = ParseTagFilter("")
	require.NoError(t, err)
	assert.Empty(t, tags)

	for _, in := range []string{"abc", "70000", "-1"} {
		_, err := ParseTagFilter(in)
		assert.Error(t, err, in)
	}
}
