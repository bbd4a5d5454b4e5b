package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

type echoTarget struct {
	disposed chan struct{}
}

func (t *echoTarget) Dispatch(ctx context.Context, method string, args json.RawMessage) (interface{}, error) {
	switch method {
	case "echo":
		var items []interface{}
		if err := json.Unmarshal(args, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	case "fail":
		return nil, errors.New("deliberate failure")
	case "panic":
		panic("boom")
	case "sleep":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "slept", nil
		}
	default:
		return nil, rpcerr.New(rpcerr.NotFound, "no such method "+method)
	}
}

func (t *echoTarget) Dispose() {
	if t.disposed != nil {
		close(t.disposed)
	}
}

func pathOf(t *testing.T, segs ...string) wire.Path {
	t.Helper()
	var path wire.Path
	for _, s := range segs {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		var seg wire.PathSegment
		require.NoError(t, json.Unmarshal(b, &seg))
		path = append(path, seg)
	}
	return path
}

func TestDispatchCallsMethod(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Register(1, &echoTarget{}))

	args, err := json.Marshal([]interface{}{"hi"})
	require.NoError(t, err)
	var argv []interface{}
	require.NoError(t, json.Unmarshal(args, &argv))

	v, rerr := r.Dispatch(context.Background(), 1, pathOf(t, "echo"), argv)
	require.Nil(t, rerr)
	require.Equal(t, "hi", v)
}

func TestDispatchUnknownCapability(t *testing.T) {
	r := New(0)
	_, rerr := r.Dispatch(context.Background(), 99, pathOf(t, "echo"), nil)
	require.NotNil(t, rerr)
	require.Equal(t, rpcerr.NotFound, rerr.Kind)
}

func TestDispatchApplicationError(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Register(1, &echoTarget{}))
	_, rerr := r.Dispatch(context.Background(), 1, pathOf(t, "fail"), nil)
	require.NotNil(t, rerr)
	require.Equal(t, rpcerr.Application, rerr.Kind)
}

func TestDispatchPanicBecomesInternal(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Register(1, &echoTarget{}))
	_, rerr := r.Dispatch(context.Background(), 1, pathOf(t, "panic"), nil)
	require.NotNil(t, rerr)
	require.Equal(t, rpcerr.Internal, rerr.Kind)
}

func TestDispatchTimeout(t *testing.T) {
	r := New(10 * time.Millisecond)
	require.NoError(t, r.Register(1, &echoTarget{}))
	_, rerr := r.Dispatch(context.Background(), 1, pathOf(t, "sleep"), nil)
	require.NotNil(t, rerr)
	require.Equal(t, rpcerr.Timeout, rerr.Kind)
}

func TestDispatchEmptyPathUnsupported(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Register(1, &echoTarget{}))
	_, rerr := r.Dispatch(context.Background(), 1, wire.Path{}, nil)
	require.NotNil(t, rerr)
	require.Equal(t, rpcerr.Unsupported, rerr.Kind)
}

func TestRefcountDisposesAtZero(t *testing.T) {
	r := New(0)
	disposed := make(chan struct{})
	require.NoError(t, r.Register(1, &echoTarget{disposed: disposed}))
	require.NoError(t, r.Incref(1))
	require.True(t, r.Has(1))

	require.NoError(t, r.Decref(1))
	require.True(t, r.Has(1), "still one reference outstanding")

	require.NoError(t, r.Decref(1))
	require.False(t, r.Has(1))

	select {
	case <-disposed:
	default:
		t.Fatal("expected Dispose to have run")
	}
}

func TestDecrefUnknownCapability(t *testing.T) {
	r := New(0)
	err := r.Decref(42)
	require.Error(t, err)
}

func TestRegisterDuplicateID(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Register(1, &echoTarget{}))
	require.Error(t, r.Register(1, &echoTarget{}))
}
