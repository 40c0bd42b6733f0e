package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

const (
	sessionFeedServiceName = "quizroom.v1.SessionFeed"
	sessionFeedWatchMethod = "/" + sessionFeedServiceName + "/Watch"
)

// SessionFeedServer streams session snapshots. The request carries the session ID, each response
// is the session as a JSON object.
type SessionFeedServer interface {
	Watch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var sessionFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionFeedServiceName,
	HandlerType: (*SessionFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       sessionFeedWatchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "quizroom/v1/feed.proto",
}

func sessionFeedWatchHandler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(SessionFeedServer).Watch(m, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// Watch streams the session until the client cancels or the feed gives up on the session.
func (a *API) Watch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	if _, err := a.session.GetSession(ctx, req.GetValue()); err != nil {
		return err
	}

	sub := a.feed.Subscribe(ctx, req.GetValue())
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()

		case ss, ok := <-sub.Updates():
			if !ok {
				return sub.Err()
			}

			msg, err := sessionToStruct(ss)
			if err != nil {
				return errors.Internal(err)
			}

			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func sessionToStruct(ss *domain.Session) (*structpb.Struct, error) {
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}

	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}

	return s, nil
}

type SessionFeedClient interface {
	Watch(ctx context.Context, sessionID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type sessionFeedClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionFeedClient(cc grpc.ClientConnInterface) SessionFeedClient {
	return &sessionFeedClient{cc: cc}
}

func (c *sessionFeedClient) Watch(ctx context.Context, sessionID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &sessionFeedServiceDesc.Streams[0], sessionFeedWatchMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(sessionID)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
