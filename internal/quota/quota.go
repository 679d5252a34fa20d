// Package quota is the client for the external Quota capability: a
// sidecar consulted before every Data message with
// (team, client, network, estimated_units), terminating the stream with
// ResourceExhausted on Exceeded. It dials the sidecar with grpc.NewClient
// over insecure transport credentials against a small hand-rolled RPC
// contract, and wraps the call in an internal/circuitbreaker.Breaker.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/apibara/dna/internal/circuitbreaker"

	// registers the "json" codec used by this package's ServiceDesc.
	_ "github.com/apibara/dna/internal/streampb"
)

// ServiceName is the fully qualified gRPC service name the Quota sidecar
// is dialed under.
const ServiceName = "dna.quota.QuotaService"

// CheckRequest mirrors the Quota call signature.
type CheckRequest struct {
	Team           string `json:"team"`
	Client         string `json:"client"`
	Network        string `json:"network"`
	EstimatedUnits uint64 `json:"estimated_units"`
}

// CheckResponse reports whether the request is allowed.
type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func handlerCheck(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Check"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Check(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is implemented by a Quota sidecar; production deployments run
// this outside the process.
type Server interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc QuotaService is registered/dialed
// with, hand-written for the same reason streampb's is (see DESIGN.md).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: handlerCheck},
	},
	Metadata: "internal/quota/quota.go",
}

// RegisterServer registers srv against s.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client wraps a *grpc.ClientConn to the Quota sidecar behind a circuit
// breaker, so a wedged quota sidecar degrades to local rejection rather
// than stalling every stream.
type Client struct {
	conn    *grpc.ClientConn
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	log     *slog.Logger
}

// Config configures a quota Client.
type Config struct {
	Addr    string
	Timeout time.Duration
	Breaker circuitbreaker.Config
	Log     *slog.Logger
}

// Dial connects to the Quota sidecar over an insecure gRPC channel using
// the "json" content subtype registered by internal/streampb.
func Dial(cfg Config) (*Client, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	if err != nil {
		return nil, fmt.Errorf("quota: connect: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn:    conn,
		breaker: circuitbreaker.New(cfg.Breaker),
		timeout: cfg.Timeout,
		log:     log.With("component", "quota"),
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Check implements streamengine.QuotaChecker. A circuit-open sidecar fails
// open toward rejection: an unreachable quota service must not turn into
// unlimited streaming.
func (c *Client) Check(ctx context.Context, team, client, network string, estimatedUnits uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp CheckResponse
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		out := new(CheckResponse)
		if err := c.conn.Invoke(ctx, ServiceName+"/Check", &CheckRequest{
			Team:           team,
			Client:         client,
			Network:        network,
			EstimatedUnits: estimatedUnits,
		}, out); err != nil {
			return err
		}
		resp = *out
		return nil
	})
	if err != nil {
		if err == circuitbreaker.ErrCircuitOpen {
			c.log.Warn("quota sidecar circuit open, rejecting")
			return false, nil
		}
		return false, fmt.Errorf("quota: check: %w", err)
	}
	return resp.Allowed, nil
}
