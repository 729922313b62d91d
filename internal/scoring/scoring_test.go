package scoring

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// #region substrate-tests

func TestSubstrateMean(t *testing.T) {
	s := Substrate{}
	got, err := s.Score(context.Background(), pipeline.FieldsInput(map[string]any{
		"feature1": 0.5,
		"feature2": 0.75,
		"feature3": 0.3,
	}), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.InDelta(t, (0.5+0.75+0.3)/3, got, 1e-12)
}

func TestSubstrateNonNumericCountsNeutral(t *testing.T) {
	got, err := Substrate{}.Score(context.Background(), pipeline.FieldsInput(map[string]any{
		"a": 1,
		"b": "text",
	}), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-12)
}

func TestSubstrateNeutralFallbacks(t *testing.T) {
	ctx := context.Background()
	got, err := Substrate{}.Score(ctx, pipeline.TextInput("hello"), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, NeutralScore, got)

	got, err = Substrate{}.Score(ctx, pipeline.FieldsInput(nil), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, NeutralScore, got)
}

func TestSubstrateIsRepeatable(t *testing.T) {
	// Summation order changes the result for these values.
	fields := map[string]any{"a": 1e16, "b": 1.0, "c": -1e16, "d": 0.1, "e": 0.2}
	var want float64
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		want += fields[k].(float64)
	}
	want /= float64(len(fields))

	for i := 0; i < 50; i++ {
		got, err := Substrate{}.Score(context.Background(), pipeline.FieldsInput(fields), pipeline.TaskContext{})
		require.NoError(t, err)
		require.Equal(t, want, got, "call %d", i)
	}
}

// #endregion substrate-tests

// #region mock

type mockScoringService struct {
	got  *structpb.Struct
	resp *structpb.Struct
	err  error
}

func (m *mockScoringService) Score(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	m.got = in
	return m.resp, m.err
}

// #endregion mock

// #region remote-tests

func TestRemoteScoreEncodesRequest(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{"score": 0.42})
	require.NoError(t, err)
	svc := &mockScoringService{resp: resp}
	r := NewRemoteWithService(svc)

	got, err := r.Score(context.Background(), pipeline.FieldsInput(map[string]any{"tags": []string{"a"}}), pipeline.TaskContext{
		TaskID:       "t1",
		Demographics: map[string]string{"race": "minority"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.42, got)

	m := svc.got.AsMap()
	assert.Equal(t, []any{"a"}, m["input"].(map[string]any)["fields"].(map[string]any)["tags"])
	assert.Equal(t, "t1", m["context"].(map[string]any)["task_id"])
	assert.NoError(t, r.Close())
}

func TestRemoteScoreErrors(t *testing.T) {
	r := NewRemoteWithService(&mockScoringService{err: errors.New("unavailable")})
	_, err := r.Score(context.Background(), pipeline.TextInput("x"), pipeline.TaskContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score rpc")

	empty, _ := structpb.NewStruct(map[string]any{"other": 1})
	r = NewRemoteWithService(&mockScoringService{resp: empty})
	_, err = r.Score(context.Background(), pipeline.TextInput("x"), pipeline.TaskContext{})
	require.Error(t, err)

	wrong, _ := structpb.NewStruct(map[string]any{"score": "high"})
	r = NewRemoteWithService(&mockScoringService{resp: wrong})
	_, err = r.Score(context.Background(), pipeline.TextInput("x"), pipeline.TaskContext{})
	require.Error(t, err)
}

func TestNewRemoteLazyConnect(t *testing.T) {
	r, err := NewRemote("localhost:0", 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

// #endregion remote-tests

// #region bufconn

type failingScorer struct{}

func (failingScorer) Score(context.Context, pipeline.Input, pipeline.TaskContext) (float64, error) {
	return 0, errors.New("model not loaded")
}

func startServer(t *testing.T, scorer pipeline.Scorer) *Remote {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, scorer)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	r, err := NewRemote("passthrough:///bufnet", 0,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemoteAgainstSubstrateServer(t *testing.T) {
	r := startServer(t, Substrate{})

	got, err := r.Score(context.Background(), pipeline.FieldsInput(map[string]any{
		"feature1": 0.5,
		"feature2": 0.75,
		"feature3": 0.3,
	}), pipeline.TaskContext{TaskID: "test_001"})
	require.NoError(t, err)
	assert.InDelta(t, (0.5+0.75+0.3)/3, got, 1e-12)

	got, err = r.Score(context.Background(), pipeline.TextInput("free text"), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, NeutralScore, got)
}

func TestRemoteServerError(t *testing.T) {
	r := startServer(t, failingScorer{})
	_, err := r.Score(context.Background(), pipeline.TextInput("x"), pipeline.TaskContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

// #endregion bufconn
