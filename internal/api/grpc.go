package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AnalysisServiceName is the fully qualified gRPC service name.
const AnalysisServiceName = "cwndscope.v1.Analysis"

// AnalysisServer is the gRPC analysis service. Requests and responses are
// google.protobuf.Struct values so clients need no generated code.
type AnalysisServer interface {
	// ListSessions ignores its request and answers {"sessions": [...]}.
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Summarize takes {"session": ref} plus any filter or selector keys and answers
	// {"session_id", "filters", "summary"}.
	Summarize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AnalysisServiceDesc describes AnalysisServer for grpc.Server.RegisterService.
var AnalysisServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalysisServiceName,
	HandlerType: (*AnalysisServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: unaryHandler("ListSessions", AnalysisServer.ListSessions)},
		{MethodName: "Summarize", Handler: unaryHandler("Summarize", AnalysisServer.Summarize)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cwndscope/v1/analysis.proto",
}

type unaryMethod func(AnalysisServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + AnalysisServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AnalysisServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AnalysisServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterGRPC registers the analysis and health services on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) *health.Server {
	gs.RegisterService(&AnalysisServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(AnalysisServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// ListSessions implements AnalysisServer.
func (s *Server) ListSessions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sessions, err := s.store.List()
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]interface{}{"sessions": sessions})
}

// Summarize implements AnalysisServer.
func (s *Server) Summarize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	q, sel, err := parseFilters(func(key string) string { return structValue(fields[key]) })
	if err != nil {
		return nil, grpcError(err)
	}

	sess, _, records, preds, err := s.query(structValue(fields["session"]), q)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]interface{}{
		"session_id": sess.ID,
		"filters":    describe(preds, sel),
		"summary":    aggregate.Summarize(sel.Apply(filter.Apply(records, preds...))),
	})
}

// structValue renders a Struct field the way it would appear in a URL query.
func structValue(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	}
	return ""
}

// toStruct converts v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrInvalidFilter), errors.Is(err, model.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrEmptySession):
		code = codes.FailedPrecondition
	case errors.Is(err, model.ErrSessionOwnership):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

// AnalysisClient calls the analysis service.
type AnalysisClient struct {
	cc grpc.ClientConnInterface
}

// NewAnalysisClient wraps an established connection.
func NewAnalysisClient(cc grpc.ClientConnInterface) *AnalysisClient {
	return &AnalysisClient{cc: cc}
}

// ListSessions calls Analysis/ListSessions.
func (c *AnalysisClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListSessions", &structpb.Struct{}, opts...)
}

// Summarize calls Analysis/Summarize with ref and the given filter fields.
func (c *AnalysisClient) Summarize(ctx context.Context, ref string, filters map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]interface{}{"session": ref}
	for k, v := range filters {
		fields[k] = v
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.invoke(ctx, "Summarize", req, opts...)
}

func (c *AnalysisClient) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+AnalysisServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
