package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/protocol"
)

// Service and method names of the server-streaming position feed. The
// request is a google.protobuf.StringValue holding a comma-separated tag
// filter (empty for every tag); each response is a google.protobuf.BytesValue
// holding one event in the wire layout of EncodeEvent.
const (
	ServiceName     = "position.v1.PositionStream"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
)

// eventHeaderLen is kind (1) plus event time in unix nanoseconds (8).
const eventHeaderLen = 9

// PositionStreamServer is the handler type of the gRPC service.
type PositionStreamServer interface {
	Subscribe(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PositionStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "position/v1/stream.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PositionStreamServer).Subscribe(req, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// EncodeEvent lays out ev as kind, event time and the PositionFix frame.
func EncodeEvent(ev Event) ([]byte, error) {
	frame, err := ev.Fix.Encode()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, eventHeaderLen+len(frame))
	b = append(b, byte(ev.Kind))
	b = binary.LittleEndian.AppendUint64(b, uint64(ev.At.UnixNano()))
	return append(b, frame...), nil
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < eventHeaderLen {
		return Event{}, fmt.Errorf("%w: event is %d bytes", protocol.ErrMalformed, len(b))
	}
	kind := Kind(b[0])
	if kind != KindFix && kind != KindLost {
		return Event{}, fmt.Errorf("%w: event kind %d", protocol.ErrMalformed, b[0])
	}
	fix, err := protocol.DecodePositionFix(b[eventHeaderLen:])
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:  kind,
		TagID: fix.TagID,
		Fix:   fix,
		At:    time.Unix(0, int64(binary.LittleEndian.Uint64(b[1:eventHeaderLen]))),
	}, nil
}

// ParseTagFilter parses a comma-separated list of tag ids. Blank entries
// are skipped.
func ParseTagFilter(s string) ([]uint16, error) {
	var tags []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid tag id %q", part)
		}
		tags = append(tags, uint16(id))
	}
	return tags, nil
}

// GRPCServer serves the stream to gRPC subscribers.
type GRPCServer struct {
	stream *Stream
	buffer int
	server *grpc.Server
}

var _ PositionStreamServer = (*GRPCServer)(nil)

// NewGRPCServer registers the position service for s on a new grpc.Server.
// buffer is the per-subscriber channel capacity.
func NewGRPCServer(s *Stream, buffer int, opts ...grpc.ServerOption) *GRPCServer {
	g := &GRPCServer{stream: s, buffer: buffer, server: grpc.NewServer(opts...)}
	g.server.RegisterService(&serviceDesc, g)
	return g
}

// Serve accepts connections on lis until Stop is called.
func (g *GRPCServer) Serve(lis net.Listener) error {
	monitoring.Logf("[gRPC] position stream listening on %s", lis.Addr())
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop waits for subscribers to finish until ctx is done, then closes their
// connections.
func (g *GRPCServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.server.Stop()
		<-done
	}
}

// Subscribe streams events until the client goes away or the stream closes.
func (g *GRPCServer) Subscribe(req *wrapperspb.StringValue, out grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	tags, err := ParseTagFilter(req.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	id, events, err := g.stream.Subscribe(g.buffer, tags...)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	monitoring.Logf("[gRPC] subscriber %s connected, tags=%v", id, tags)
	defer func() {
		monitoring.Logf("[gRPC] subscriber %s done, dropped %d", id, g.stream.Dropped(id))
		g.stream.Unsubscribe(id)
	}()

	ctx := out.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b, err := EncodeEvent(ev)
			if err != nil {
				monitoring.Logf("[gRPC] skipping tag %d event: %v", ev.TagID, err)
				continue
			}
			if err := out.Send(&wrapperspb.BytesValue{Value: b}); err != nil {
				return err
			}
		}
	}
}

// RemoteSubscription reads events from a position stream served elsewhere.
type RemoteSubscription struct {
	cs grpc.ClientStream
}

// SubscribeRemote opens the position feed on cc, filtered to tags.
func SubscribeRemote(ctx context.Context, cc grpc.ClientConnInterface, tags ...uint16) (*RemoteSubscription, error) {
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tags))
	for i, t := range tags {
		ids[i] = strconv.Itoa(int(t))
	}
	if err := cs.SendMsg(wrapperspb.String(strings.Join(ids, ","))); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &RemoteSubscription{cs: cs}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream.
func (r *RemoteSubscription) Recv() (Event, error) {
	msg := new(wrapperspb.BytesValue)
	if err := r.cs.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	return DecodeEvent(msg.GetValue())
}
