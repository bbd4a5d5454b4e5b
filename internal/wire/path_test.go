package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraverseObjectProperty(t *testing.T) {
	v := map[string]interface{}{"id": "u_1", "bio": "hello"}
	result, terr := Traverse(v, Path{{key: "bio"}})
	require.Nil(t, terr)
	require.Equal(t, "hello", result)
}

func TestTraverseArrayIndex(t *testing.T) {
	v := []interface{}{"a", "b", "c"}
	result, terr := Traverse(v, Path{{key: "", index: 1, isIndex: true}})
	require.Nil(t, terr)
	require.Equal(t, "b", result)
}

func TestTraverseMissingPropertyIsNotFound(t *testing.T) {
	v := map[string]interface{}{"id": "u_1"}
	_, terr := Traverse(v, Path{{key: "missing"}})
	require.NotNil(t, terr)
	require.True(t, terr.NotFound)
}

func TestTraverseIndexOutOfBoundsIsNotFound(t *testing.T) {
	v := []interface{}{"a"}
	_, terr := Traverse(v, Path{{key: "", index: 5, isIndex: true}})
	require.NotNil(t, terr)
	require.True(t, terr.NotFound)
}

func TestTraversePropertyOnNonObjectIsBadRequest(t *testing.T) {
	_, terr := Traverse(42, Path{{key: "x"}})
	require.NotNil(t, terr)
	require.True(t, terr.BadRequest)
}

func TestTraverseIntoCapabilityRefIsBadRequest(t *testing.T) {
	_, terr := Traverse(CapabilityRef{CapID: 1}, Path{{key: "x"}})
	require.NotNil(t, terr)
	require.True(t, terr.BadRequest)
}

func TestTraverseEmptyPathReturnsValueItself(t *testing.T) {
	v := map[string]interface{}{"id": "u_1"}
	result, terr := Traverse(v, Path{})
	require.Nil(t, terr)
	require.Equal(t, v, result)
}

func TestTraverseThroughOrderedObject(t *testing.T) {
	oo := &OrderedObject{Keys: []string{"a", "b"}, Values: map[string]interface{}{"a": 1, "b": 2}}
	result, terr := Traverse(oo, Path{{key: "b"}})
	require.Nil(t, terr)
	require.Equal(t, 2, result)
}

func TestOrderedObjectMarshalPreservesKeyOrder(t *testing.T) {
	oo := &OrderedObject{Keys: []string{"z", "a"}, Values: map[string]interface{}{"z": 1, "a": 2}}
	b, err := oo.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"z":1,"a":2}`, string(b))
	require.Equal(t, `{"z":1,"a":2}`, string(b))
}
