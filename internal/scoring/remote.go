package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// #region service

const (
	serviceName = "nbos.scoring.v1.ScoringService"
	scoreMethod = "/" + serviceName + "/Score"
)

// ScoringServiceClient is the client side of the scoring service. Requests and
// responses are generic protobuf Structs:
//
//	request:  {"input": {"text": ...} | {"fields": {...}}, "context": {...}}
//	response: {"score": number}
type ScoringServiceClient interface {
	Score(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type scoringServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewScoringServiceClient binds a client to an open connection.
func NewScoringServiceClient(cc grpc.ClientConnInterface) ScoringServiceClient {
	return &scoringServiceClient{cc: cc}
}

func (c *scoringServiceClient) Score(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, scoreMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service

// #region client-struct

// Remote implements pipeline.Scorer over gRPC.
type Remote struct {
	conn    *grpc.ClientConn
	client  ScoringServiceClient
	timeout time.Duration
}

// NewRemote connects to a scoring service at addr. A zero timeout means the
// caller's context alone bounds each call.
func NewRemote(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Remote, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Remote{
		conn:    conn,
		client:  NewScoringServiceClient(conn),
		timeout: timeout,
	}, nil
}

// NewRemoteWithService creates a Remote with an injected service
// implementation. Used for testing without a real gRPC connection.
func NewRemoteWithService(svc ScoringServiceClient) *Remote {
	return &Remote{client: svc}
}

// Close shuts down the gRPC connection.
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// #endregion client-struct

// #region score

func (r *Remote) Score(ctx context.Context, in pipeline.Input, tc pipeline.TaskContext) (float64, error) {
	req, err := encodeRequest(in, tc)
	if err != nil {
		return 0, fmt.Errorf("encode score request: %w", err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := r.client.Score(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("score rpc: %w", err)
	}
	v, ok := resp.GetFields()["score"]
	if !ok {
		return 0, fmt.Errorf("score rpc: response has no score")
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("score rpc: score is not a number")
	}
	return n.NumberValue, nil
}

// wireContext is the subset of TaskContext a scoring service sees.
type wireContext struct {
	TaskID            string             `json:"task_id,omitempty"`
	UserID            string             `json:"user_id,omitempty"`
	UncertaintyLevel  float64            `json:"uncertainty_level,omitempty"`
	IsComplexDecision bool               `json:"is_complex_decision,omitempty"`
	Demographics      map[string]string  `json:"demographics,omitempty"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

func encodeRequest(in pipeline.Input, tc pipeline.TaskContext) (*structpb.Struct, error) {
	input := map[string]any{"fields": in.Fields()}
	if in.IsText() {
		input = map[string]any{"text": in.Text()}
	}
	doc := map[string]any{
		"input": input,
		"context": wireContext{
			TaskID:            tc.TaskID,
			UserID:            tc.UserID,
			UncertaintyLevel:  tc.UncertaintyLevel,
			IsComplexDecision: tc.IsComplexDecision,
			Demographics:      tc.Demographics,
			FeatureImportance: tc.FeatureImportance,
		},
	}
	// structpb only accepts JSON-shaped Go values, so normalize first.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewStruct(generic)
}

// #endregion score
