// Package camerabus is the mTLS channel independent camera agents use to
// report offline/obstruction/door-contact/glass-break observations into
// Tamper-C corroboration.
//
// There is no protoc-generated stub in this tree: the service is wired by
// hand against google.golang.org/grpc's codec and service-descriptor
// machinery, the same shape protoc-gen-go-grpc would produce, using plain
// JSON-tagged Go structs as messages instead of generated protobuf types.
// A codec registered under the name "proto" overrides grpc's default
// codec lookup so the standard "application/grpc" content type still
// resolves correctly.
package camerabus

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Envelope is one signed observation report from a camera agent.
type Envelope struct {
	NodeID          string `json:"node_id"`
	CameraID        string `json:"camera_id"`
	EntryPointID    string `json:"entry_point_id"`
	Kind            string `json:"kind"` // offline | obstruction | door_contact | glass_break
	TimestampUnixNs int64  `json:"timestamp_unix_ns"`
	Signature       []byte `json:"signature"`
}

// AckResponse is the server's response to ShareObservation.
type AckResponse struct {
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// HealthRequest is an empty health-check request.
type HealthRequest struct{}

// HealthResponse reports server health and identity.
type HealthResponse struct {
	NodeID        string `json:"node_id"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// jsonCodec implements encoding.Codec, registered under the name "proto"
// so unmodified grpc clients/servers (which default to content-subtype
// "proto") route through it without any extra configuration.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CameraBusServer is the service interface the hand-built descriptor
// dispatches to, mirroring what protoc-gen-go-grpc would generate from a
// camerabus.proto defining ShareObservation and HealthCheck.
type CameraBusServer interface {
	ShareObservation(context.Context, *Envelope) (*AckResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

const serviceName = "neighborguard.camerabus.v1.CameraBus"

func shareObservationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CameraBusServer).ShareObservation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ShareObservation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CameraBusServer).ShareObservation(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func healthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CameraBusServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/HealthCheck"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CameraBusServer).HealthCheck(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-built equivalent of a protoc-gen-go-grpc
// _ServiceDesc variable.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CameraBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShareObservation", Handler: shareObservationHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "camerabus.proto",
}

// RegisterCameraBusServer registers srv on s, the hand-built equivalent of
// a generated RegisterCameraBusServer function.
func RegisterCameraBusServer(s *grpc.Server, srv CameraBusServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client is a thin hand-built stub for camera agents (and the simulator)
// to call ShareObservation/HealthCheck without generated code.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established *grpc.ClientConn.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// ShareObservation invokes the server's ShareObservation RPC.
func (c *Client) ShareObservation(ctx context.Context, env *Envelope) (*AckResponse, error) {
	out := new(AckResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ShareObservation", env, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck invokes the server's HealthCheck RPC.
func (c *Client) HealthCheck(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HealthCheck", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
