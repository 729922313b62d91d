package scoring

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// ScoringServiceServer is the server side of the scoring service.
type ScoringServiceServer interface {
	Score(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var scoringServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ScoringServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nbos/scoring/v1/scoring.proto",
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScoringServiceServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScoringServiceServer).Score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Register serves scorer on s under the scoring service name.
func Register(s grpc.ServiceRegistrar, scorer pipeline.Scorer) {
	s.RegisterService(&scoringServiceDesc, &scorerServer{scorer: scorer})
}

// scorerServer adapts a pipeline.Scorer to the wire contract.
type scorerServer struct {
	scorer pipeline.Scorer
}

func (s *scorerServer) Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, tc, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	score, err := s.scorer.Score(ctx, in, tc)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"score": score})
}

func decodeRequest(req *structpb.Struct) (pipeline.Input, pipeline.TaskContext, error) {
	m := req.AsMap()
	var in pipeline.Input
	switch raw := m["input"].(type) {
	case map[string]any:
		if text, ok := raw["text"].(string); ok {
			in = pipeline.TextInput(text)
		} else {
			fields, _ := raw["fields"].(map[string]any)
			in = pipeline.FieldsInput(fields)
		}
	default:
		return in, pipeline.TaskContext{}, status.Error(codes.InvalidArgument, "missing input")
	}

	var tc pipeline.TaskContext
	if ctx, ok := m["context"].(map[string]any); ok {
		tc.TaskID, _ = ctx["task_id"].(string)
		tc.UserID, _ = ctx["user_id"].(string)
		tc.UncertaintyLevel, _ = ctx["uncertainty_level"].(float64)
		tc.IsComplexDecision, _ = ctx["is_complex_decision"].(bool)
		if demo, ok := ctx["demographics"].(map[string]any); ok {
			tc.Demographics = make(map[string]string, len(demo))
			for k, v := range demo {
				if s, ok := v.(string); ok {
					tc.Demographics[k] = s
				}
			}
		}
		if fi, ok := ctx["feature_importance"].(map[string]any); ok {
			tc.FeatureImportance = make(map[string]float64, len(fi))
			for k, v := range fi {
				if f, ok := v.(float64); ok {
					tc.FeatureImportance[k] = f
				}
			}
		}
	}
	return in, tc, nil
}
