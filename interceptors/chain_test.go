package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/weave-go/invocation"
	"github.com/glimte/weave-go/policy"
)

type recordingInterceptor struct {
	name     string
	priority int
	applies  bool
	log      *[]string
}

func (r *recordingInterceptor) Name() string                      { return r.name }
func (r *recordingInterceptor) Priority() int                     { return r.priority }
func (r *recordingInterceptor) Applies(op *policy.Operation) bool { return r.applies }
func (r *recordingInterceptor) Intercept(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
	*r.log = append(*r.log, r.name+":before")
	result, err := next.Handle(ctx, inv)
	*r.log = append(*r.log, r.name+":after")
	return result, err
}

func testOp() *policy.Operation {
	return &policy.Operation{Target: "Svc", Method: "Do"}
}

func TestChain(t *testing.T) {
	final := invocation.HandlerFunc(func(ctx context.Context, inv *invocation.Invocation) (interface{}, error) {
		return "done", nil
	})

	t.Run("empty chain calls the final handler", func(t *testing.T) {
		chain := NewChain(nil)
		result, err := chain.Execute(context.Background(), invocation.New("Svc", "Do", nil), testOp(), final)
		require.NoError(t, err)
		assert.Equal(t, "done", result)
	})

	t.Run("lower priority runs more outer", func(t *testing.T) {
		var log []string
		chain := NewChain(nil)
		require.NoError(t, chain.Use(&recordingInterceptor{name: "inner", priority: 20, applies: true, log: &log}))
		require.NoError(t, chain.Use(&recordingInterceptor{name: "outer", priority: 10, applies: true, log: &log}))

		result, err := chain.Execute(context.Background(), invocation.New("Svc", "Do", nil), testOp(), final)
		require.NoError(t, err)
		assert.Equal(t, "done", result)
		assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, log)
	})

	t.Run("non-applicable interceptors are skipped", func(t *testing.T) {
		var log []string
		chain := NewChain(nil)
		require.NoError(t, chain.Use(&recordingInterceptor{name: "on", priority: 1, applies: true, log: &log}))
		require.NoError(t, chain.Use(&recordingInterceptor{name: "off", priority: 2, applies: false, log: &log}))

		_, err := chain.Execute(context.Background(), invocation.New("Svc", "Do", nil), testOp(), final)
		require.NoError(t, err)
		assert.Equal(t, []string{"on:before", "on:after"}, log)
	})

	t.Run("duplicate registration is an error, never a double wrap", func(t *testing.T) {
		var log []string
		chain := NewChain(nil)
		require.NoError(t, chain.Use(&recordingInterceptor{name: "dup", priority: 1, applies: true, log: &log}))
		err := chain.Use(&recordingInterceptor{name: "dup", priority: 1, applies: true, log: &log})
		assert.Error(t, err)

		_, err = chain.Execute(context.Background(), invocation.New("Svc", "Do", nil), testOp(), final)
		require.NoError(t, err)
		assert.Equal(t, []string{"dup:before", "dup:after"}, log)
	})

	t.Run("resolution is cached per operation key", func(t *testing.T) {
		chain := NewChain(nil)
		require.NoError(t, chain.Use(&recordingInterceptor{name: "a", priority: 1, applies: true, log: &[]string{}}))

		op := testOp()
		key := invocation.NewOperationKey("Svc", "Do", 0)
		first := chain.Resolve(key, op)
		second := chain.Resolve(key, op)
		require.Len(t, first, 1)
		assert.Equal(t, first[0], second[0])
	})

	t.Run("a short-circuiting interceptor skips the final handler", func(t *testing.T) {
		chain := NewChain(nil)
		wantErr := errors.New("blocked")
		require.NoError(t, chain.Use(NewInterceptorFunc("blocker", 0,
			func(ctx context.Context, inv *invocation.Invocation, op *policy.Operation, next invocation.Handler) (interface{}, error) {
				return nil, wantErr
			})))

		called := false
		result, err := chain.Execute(context.Background(), invocation.New("Svc", "Do", nil), testOp(),
			invocation.HandlerFunc(func(ctx context.Context, inv *invocation.Invocation) (interface{}, error) {
				called = true
				return nil, nil
			}))
		assert.ErrorIs(t, err, wantErr)
		assert.Nil(t, result)
		assert.False(t, called)
	})
}
