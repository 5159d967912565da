// Package harbor implements the pluggable remote-forwarding hook (spec.md
// §6): cross-node clustering itself is a non-goal, but any message whose
// destination carries a nonzero node prefix must still be handed to
// *something* rather than silently dropped. Grounded directly on the
// teacher's grpcServer.go, generalized from a fixed protobuf-generated
// ContainerRegistration RPC to a raw-bytes Forward RPC (there is no schema
// to generate code from here — the payload is already a self-describing
// codec.Value stream) using grpc's codec-override mechanism instead of
// protoc-generated message types.
package harbor

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/errs"
)

// Harbor is the hook invoked for any Send/SendName whose destination
// resolves to a remote node. It is opaque to the core runtime: the core
// never knows whether it is UDP, gRPC, or a no-op.
type Harbor interface {
	Forward(ctx context.Context, dest domain.Handle, msg domain.Message) error
	ForwardName(ctx context.Context, node uint8, name string, msg domain.Message) error
}

// Nop is the default harbor: a single-node deployment has no cluster to
// forward to, so every call fails with a Socket-kind error rather than
// panicking or silently dropping the message.
type Nop struct{}

func (Nop) Forward(_ context.Context, dest domain.Handle, _ domain.Message) error {
	return errs.New(errs.Socket, "no harbor configured, cannot forward to node %d", dest.NodePrefix())
}

func (Nop) ForwardName(_ context.Context, node uint8, name string, _ domain.Message) error {
	return errs.New(errs.Socket, "no harbor configured, cannot forward %q to node %d", name, node)
}

// rawBytesName is registered with grpc's encoding registry so messages are
// carried as opaque byte slices rather than protobuf-generated structs —
// this runtime's wire format is already the tagged codec, not protobuf.
const rawBytesName = "skynet-raw"

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("harbor: rawCodec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("harbor: rawCodec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawBytesName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// Dialer maps a node prefix (0..255) to the gRPC dial target of its
// harbor listener, e.g. "10.0.0.4:7701".
type Dialer func(node uint8) (target string, ok bool)

// GRPC is a Harbor backed by gRPC: one lazily-dialed client connection per
// remote node prefix, wire-compatible with the Server below.
type GRPC struct {
	dial  Dialer
	conns map[uint8]*grpc.ClientConn
}

func NewGRPC(dial Dialer) *GRPC {
	return &GRPC{dial: dial, conns: make(map[uint8]*grpc.ClientConn)}
}

func (g *GRPC) connFor(node uint8) (*grpc.ClientConn, error) {
	if cc, ok := g.conns[node]; ok {
		return cc, nil
	}
	target, ok := g.dial(node)
	if !ok {
		return nil, errs.New(errs.Socket, "no dial target registered for node %d", node)
	}
	cc, err := grpc.Dial(target, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawBytesName)))
	if err != nil {
		return nil, errs.New(errs.Socket, "dial node %d at %s: %v", node, target, err)
	}
	g.conns[node] = cc
	return cc, nil
}

func (g *GRPC) Forward(ctx context.Context, dest domain.Handle, msg domain.Message) error {
	cc, err := g.connFor(dest.NodePrefix())
	if err != nil {
		return err
	}
	return invokeForward(ctx, cc, dest, "", msg)
}

func (g *GRPC) ForwardName(ctx context.Context, node uint8, name string, msg domain.Message) error {
	cc, err := g.connFor(node)
	if err != nil {
		return err
	}
	return invokeForward(ctx, cc, domain.NoHandle, name, msg)
}

func invokeForward(ctx context.Context, cc *grpc.ClientConn, dest domain.Handle, name string, msg domain.Message) error {
	wire := encodeWire(dest, name, msg)
	reply := make([]byte, 0)
	if err := cc.Invoke(ctx, "/skynet.harbor.Harbor/Forward", &wire, &reply); err != nil {
		return errs.New(errs.Socket, "harbor forward: %v", err)
	}
	return nil
}

// Server receives forwarded messages and hands them to Deliver, mirroring
// the teacher's grpcServer.go registration-handler shape (one small method
// per RPC, delegating the actual state mutation to the owning subsystem).
type Server struct {
	Deliver func(dest domain.Handle, name string, msg domain.Message)
}

// Listen starts a gRPC server on addr and blocks until it stops.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	RegisterHarborServer(gs, s)
	logrus.Infof("skynet: harbor listening on %s", addr)
	return gs.Serve(lis)
}

// RegisterHarborServer wires the raw Forward handler into gs without a
// protoc-generated service descriptor: the codec above already turns the
// wire bytes into a []byte, so the handler just needs to decode our own
// small header and dispatch.
func RegisterHarborServer(gs *grpc.Server, s *Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "skynet.harbor.Harbor",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Forward",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					var wire []byte
					if err := dec(&wire); err != nil {
						return nil, err
					}
					dest, name, msg := decodeWire(wire)
					s.Deliver(dest, name, msg)
					reply := []byte{}
					return &reply, nil
				},
			},
		},
		Streams: []grpc.StreamDesc{},
	}, s)
}
