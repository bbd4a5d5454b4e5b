package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExprLiteral(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`42`))
	require.NoError(t, err)
	require.Equal(t, KindLiteral, e.Kind)
}

func TestParseExprCall(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`["call",3,["method"],[1,"two"]]`))
	require.NoError(t, err)
	require.Equal(t, KindCall, e.Kind)
	require.Equal(t, 3, e.CapID)
	require.Len(t, e.Args, 2)
	require.True(t, e.HasArgs)
}

func TestParseExprCallWrongArity(t *testing.T) {
	_, err := ParseExpr(json.RawMessage(`["call",3,["method"]]`))
	require.Error(t, err)
}

func TestParseExprPipelineWithoutArgs(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`["pipeline",1,["field"]]`))
	require.NoError(t, err)
	require.Equal(t, KindPipeline, e.Kind)
	require.False(t, e.HasArgs)
}

func TestParseExprPipelineWithArgs(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`["pipeline",1,["method"],["arg"]]`))
	require.NoError(t, err)
	require.True(t, e.HasArgs)
	require.Len(t, e.Args, 1)
}

func TestParseExprExportImportAreOpaque(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`["export",5]`))
	require.NoError(t, err)
	require.Equal(t, KindExport, e.Kind)
	require.Equal(t, 5, e.ImportID)

	e, err = ParseExpr(json.RawMessage(`["import",7]`))
	require.NoError(t, err)
	require.Equal(t, KindImport, e.Kind)
}

func TestParseExprPlainArrayRecursesForNestedExpressions(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`[1,["pipeline",1,["x"]],3]`))
	require.NoError(t, err)
	require.Equal(t, KindArray, e.Kind)
	require.Len(t, e.Elems, 3)
	require.Equal(t, KindPipeline, e.Elems[1].Kind)
}

func TestParseExprObjectPreservesKeyOrder(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`{"z":1,"a":2,"m":3}`))
	require.NoError(t, err)
	require.Equal(t, KindObject, e.Kind)
	require.Equal(t, []string{"z", "a", "m"}, e.Keys)
}

func TestParseExprObjectRecursesForNestedExpressions(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`{"user":["pipeline",1,["id"]]}`))
	require.NoError(t, err)
	require.Equal(t, KindPipeline, e.Fields["user"].Kind)
}
