// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"time"

	"github.com/gomlx/distrain/pkg/distributed"
	"github.com/gomlx/distrain/pkg/train/faults"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

const (
	rendezvousService = "distrain.collective.Rendezvous"
	joinMethod        = "/" + rendezvousService + "/Join"
)

// GracefulStopTimeout bounds how long closing the hosting rank waits for in-flight calls to finish.
var GracefulStopTimeout = 10 * time.Second

// joinRequest and joinResponse are the messages of the Join RPC. Values travel as IEEE-754 bits so that
// infinities and NaNs survive the trip.
type joinRequest struct {
	Seq       uint64   `json:"seq"`
	Rank      int      `json:"rank"`
	WorldSize int      `json:"world_size"`
	Kind      opKind   `json:"kind"`
	Reduce    ReduceOp `json:"reduce"`
	From      int      `json:"from"`
	Bits      []uint64 `json:"bits,omitempty"`
}

type joinResponse struct {
	Bits []uint64 `json:"bits"`
}

func toBits(values []float64) []uint64 {
	bits := make([]uint64, len(values))
	for i, v := range values {
		bits[i] = math.Float64bits(v)
	}
	return bits
}

func fromBits(bits []uint64) []float64 {
	values := make([]float64, len(bits))
	for i, b := range bits {
		values[i] = math.Float64frombits(b)
	}
	return values
}

// jsonCodec lets the rendezvous service run over gRPC without generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type rendezvousServer interface {
	Join(ctx context.Context, req *joinRequest) (*joinResponse, error)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: rendezvousService,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collective",
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(joinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvousServer).Join(ctx, req.(*joinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// hubServer exposes a Hub to remote ranks.
type hubServer struct {
	hub *Hub
}

func (s *hubServer) Join(ctx context.Context, req *joinRequest) (*joinResponse, error) {
	if req.WorldSize != s.hub.worldSize {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d believes world size is %d, rendezvous has %d",
			req.Rank, req.WorldSize, s.hub.worldSize)
	}
	if req.Rank == distributed.CoordinatorRank {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d is the hosting rank, it can't join remotely", req.Rank)
	}
	c := contribution{kind: req.Kind, reduce: req.Reduce, from: req.From, values: fromBits(req.Bits)}
	result, err := s.hub.join(ctx, req.Seq, req.Rank, c)
	if err != nil {
		return nil, toStatus(err)
	}
	return &joinResponse{Bits: toBits(result)}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, ErrMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error, seq uint64) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "round %d", seq)
	}
	switch st.Code() {
	case codes.Aborted:
		return errors.Wrapf(ErrClosed, "round %d: %s", seq, st.Message())
	case codes.FailedPrecondition:
		return errors.Wrapf(ErrMismatch, "round %d: %s", seq, st.Message())
	case codes.DeadlineExceeded:
		return faults.Wrapf(faults.ErrCollectiveTimeout, err, "round %d", seq)
	case codes.InvalidArgument:
		return faults.Wrapf(faults.ErrConfiguration, err, "round %d", seq)
	default:
		return errors.Wrapf(err, "round %d", seq)
	}
}

// hostChannel is the endpoint of the rank hosting the Hub: it joins rounds directly.
type hostChannel struct {
	*localChannel
	server *grpc.Server
	served chan struct{}
}

// ServeGRPC hosts the rendezvous of a worldSize group on lis and returns the endpoint of the coordinating rank.
// The other ranks connect with DialGRPC.
func ServeGRPC(lis net.Listener, worldSize int) (Channel, error) {
	if worldSize <= 0 {
		return nil, faults.Newf(faults.ErrConfiguration, "world size must be > 0, got %d", worldSize)
	}
	hub := NewHub(worldSize)
	server := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	server.RegisterService(&rendezvousServiceDesc, &hubServer{hub: hub})
	c := &hostChannel{
		localChannel: &localChannel{hub: hub, rank: distributed.CoordinatorRank},
		server:       server,
		served:       make(chan struct{}),
	}
	go func() {
		defer close(c.served)
		if err := server.Serve(lis); err != nil {
			klog.Errorf("collective rendezvous on %s stopped: %+v", lis.Addr(), err)
		}
	}()
	klog.V(1).Infof("collective rendezvous for %d ranks listening on %s", worldSize, lis.Addr())
	return c, nil
}

// Close aborts pending rounds and stops the server, waiting up to GracefulStopTimeout for in-flight replies.
func (c *hostChannel) Close() error {
	c.hub.Close()
	stopped := make(chan struct{})
	go func() {
		c.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GracefulStopTimeout):
		klog.Warningf("collective rendezvous: graceful stop timed out after %s, forcing", GracefulStopTimeout)
		c.server.Stop()
	}
	<-c.served
	return nil
}

// clientChannel is the endpoint of a rank that joins rounds through the Join RPC.
type clientChannel struct {
	conn            *grpc.ClientConn
	rank, worldSize int
	seq             uint64
}

// DialGRPC connects rank to the rendezvous at target ("host:port"). The connection is established lazily and
// calls wait for the rendezvous to come up, so ranks can start in any order.
func DialGRPC(target string, rank, worldSize int) (Channel, error) {
	if rank <= distributed.CoordinatorRank || rank >= worldSize {
		return nil, faults.Newf(faults.ErrConfiguration, "rank %d can't dial a rendezvous for world size %d", rank, worldSize)
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.WaitForReady(true)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for rendezvous %q", target)
	}
	return &clientChannel{conn: conn, rank: rank, worldSize: worldSize}, nil
}

func (c *clientChannel) Rank() int      { return c.rank }
func (c *clientChannel) WorldSize() int { return c.worldSize }

func (c *clientChannel) join(ctx context.Context, kind opKind, reduce ReduceOp, from int, values []float64) ([]float64, error) {
	seq := c.seq
	c.seq++
	req := &joinRequest{
		Seq: seq, Rank: c.rank, WorldSize: c.worldSize,
		Kind: kind, Reduce: reduce, From: from, Bits: toBits(values),
	}
	resp := new(joinResponse)
	if err := c.conn.Invoke(ctx, joinMethod, req, resp); err != nil {
		return nil, fromStatus(err, seq)
	}
	return fromBits(resp.Bits), nil
}

func (c *clientChannel) ReduceSum(ctx context.Context, value float64) (float64, error) {
	return reduceSum(ctx, c, value)
}

func (c *clientChannel) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	return c.join(ctx, opAllReduce, op, 0, values)
}

func (c *clientChannel) Broadcast(ctx context.Context, values []float64, from int) ([]float64, error) {
	if from < 0 || from >= c.worldSize {
		return nil, errors.Errorf("broadcast from rank %d out of range for world size %d", from, c.worldSize)
	}
	if c.rank != from {
		values = nil
	}
	return c.join(ctx, opBroadcast, 0, from, values)
}

func (c *clientChannel) Close() error {
	return errors.Wrap(c.conn.Close(), "closing rendezvous connection")
}

// OpenGRPC opens env's endpoint: the coordinating rank listens on the rendezvous port (all interfaces), the
// others dial the rendezvous address.
func OpenGRPC(env *distributed.Env) (Channel, error) {
	if env.IsCoordinator() {
		_, port, err := net.SplitHostPort(env.RendezvousAddr())
		if err != nil {
			return nil, errors.Wrapf(err, "invalid rendezvous address %q", env.RendezvousAddr())
		}
		lis, err := net.Listen("tcp", net.JoinHostPort("", port))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on rendezvous port %s", port)
		}
		return ServeGRPC(lis, env.WorldSize())
	}
	return DialGRPC(env.RendezvousAddr(), env.Rank(), env.WorldSize())
}
