package invocation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationKey(t *testing.T) {
	t.Run("derived key includes target, method and arity", func(t *testing.T) {
		key := NewOperationKey("UserService", "Load", 2)
		assert.Equal(t, OperationKey("UserService#Load#2"), key)
	})

	t.Run("overloads with different arity get distinct keys", func(t *testing.T) {
		assert.NotEqual(t,
			NewOperationKey("UserService", "Load", 1),
			NewOperationKey("UserService", "Load", 2))
	})

	t.Run("same declaration yields a stable key", func(t *testing.T) {
		a := New("UserService", "Load", []interface{}{"u1"})
		b := New("UserService", "Load", []interface{}{"u2"})
		assert.Equal(t, a.Key(), b.Key())
	})
}

func TestInvocation(t *testing.T) {
	t.Run("logical name replaces the derived key", func(t *testing.T) {
		inv := New("UserService", "Load", []interface{}{"u1"}, WithLogicalName("load-user"))
		assert.Equal(t, OperationKey("load-user"), inv.Key())
		assert.Equal(t, "load-user", inv.Name())
	})

	t.Run("accessors expose the call description", func(t *testing.T) {
		inv := New("UserService", "Load", []interface{}{"u1", 7}, WithArgNames("userID", "depth"))
		assert.Equal(t, "UserService", inv.Target())
		assert.Equal(t, "Load", inv.Method())
		assert.Equal(t, []interface{}{"u1", 7}, inv.Args())
		assert.Equal(t, []string{"userID", "depth"}, inv.ArgNames())
		assert.Equal(t, "UserService.Load/2", inv.String())
	})
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, inv *Invocation) (interface{}, error) {
		return inv.Args()[0], nil
	})
	result, err := h.Handle(context.Background(), New("T", "M", []interface{}{"x"}))
	assert.NoError(t, err)
	assert.Equal(t, "x", result)
}
