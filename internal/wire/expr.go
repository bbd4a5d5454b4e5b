package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func marshalJSON(v interface{}) ([]byte, error) { return json.Marshal(v) }

// ExprKind discriminates the recursive expression sum type. Cap'n Web wire
// values and expression tuples form one tree; the evaluator pattern-matches
// this tag rather than walking a class hierarchy.
type ExprKind int

const (
	KindLiteral ExprKind = iota
	KindArray
	KindObject
	KindCall
	KindPipeline
	KindExport
	KindImport
)

// Expr is a single node of a parsed expression tree. Only the fields for
// the node's Kind are meaningful.
type Expr struct {
	Kind ExprKind

	// KindLiteral
	Literal json.RawMessage

	// KindArray
	Elems []Expr

	// KindObject
	Keys   []string
	Fields map[string]Expr

	// KindCall: ["call", CapID, Path, Args]
	// KindPipeline: ["pipeline", ResultID, Path, Args?]
	CapID    int
	ResultID int
	Path     Path
	Args     []Expr
	HasArgs  bool

	// KindExport / KindImport: ["export"|"import", ImportID]
	ImportID int
}

// ParseExpr parses one JSON value into the expression tree. An array whose
// first element is "call", "pipeline", "export" or "import" is treated as
// an expression tuple; any other array or object is parsed recursively so
// that pipeline/call tuples nested anywhere within a pushed expression
// (including inside plain data, not only inside call/pipeline args) are
// still recognized when the evaluator walks the tree depth-first.
func ParseExpr(raw json.RawMessage) (Expr, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Expr{}, fmt.Errorf("empty expression")
	}

	switch trimmed[0] {
	case '[':
		return parseArrayOrTuple(trimmed)
	case '{':
		return parseObject(trimmed)
	default:
		return Expr{Kind: KindLiteral, Literal: append(json.RawMessage(nil), trimmed...)}, nil
	}
}

func parseArrayOrTuple(raw json.RawMessage) (Expr, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Expr{}, fmt.Errorf("invalid array: %w", err)
	}
	if len(elems) > 0 {
		var tag string
		if err := json.Unmarshal(elems[0], &tag); err == nil {
			switch tag {
			case "call":
				return parseCall(elems)
			case "pipeline":
				return parsePipeline(elems)
			case "export":
				return parseExportImport(KindExport, elems)
			case "import":
				return parseExportImport(KindImport, elems)
			}
		}
	}

	parsed := make([]Expr, 0, len(elems))
	for _, e := range elems {
		p, err := ParseExpr(e)
		if err != nil {
			return Expr{}, err
		}
		parsed = append(parsed, p)
	}
	return Expr{Kind: KindArray, Elems: parsed}, nil
}

func parseObject(raw json.RawMessage) (Expr, error) {
	keys, values, err := decodeOrderedObject(raw)
	if err != nil {
		return Expr{}, fmt.Errorf("invalid object: %w", err)
	}
	fields := make(map[string]Expr, len(keys))
	for _, k := range keys {
		v, err := ParseExpr(values[k])
		if err != nil {
			return Expr{}, err
		}
		fields[k] = v
	}
	return Expr{Kind: KindObject, Keys: keys, Fields: fields}, nil
}

func parseUint(raw json.RawMessage, what string) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", what, err)
	}
	if f < 0 || f != float64(int(f)) {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %v", what, f)
	}
	return int(f), nil
}

func parseArgs(raw json.RawMessage) ([]Expr, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("args must be an array: %w", err)
	}
	args := make([]Expr, 0, len(items))
	for _, it := range items {
		e, err := ParseExpr(it)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	return args, nil
}

func parseCall(elems []json.RawMessage) (Expr, error) {
	if len(elems) != 4 {
		return Expr{}, fmt.Errorf(`"call" expression needs exactly 4 elements, got %d`, len(elems))
	}
	capID, err := parseUint(elems[1], "call cap_id")
	if err != nil {
		return Expr{}, err
	}
	path, err := parsePath(elems[2])
	if err != nil {
		return Expr{}, err
	}
	args, err := parseArgs(elems[3])
	if err != nil {
		return Expr{}, err
	}
	return Expr{Kind: KindCall, CapID: capID, Path: path, Args: args, HasArgs: true}, nil
}

func parsePipeline(elems []json.RawMessage) (Expr, error) {
	if len(elems) != 3 && len(elems) != 4 {
		return Expr{}, fmt.Errorf(`"pipeline" expression needs 3 or 4 elements, got %d`, len(elems))
	}
	resultID, err := parseUint(elems[1], "pipeline result_id")
	if err != nil {
		return Expr{}, err
	}
	path, err := parsePath(elems[2])
	if err != nil {
		return Expr{}, err
	}
	expr := Expr{Kind: KindPipeline, ResultID: resultID, Path: path}
	if len(elems) == 4 {
		args, err := parseArgs(elems[3])
		if err != nil {
			return Expr{}, err
		}
		expr.Args = args
		expr.HasArgs = true
	}
	return expr, nil
}

func parseExportImport(kind ExprKind, elems []json.RawMessage) (Expr, error) {
	if len(elems) != 2 {
		return Expr{}, fmt.Errorf("export/import expression needs exactly 2 elements, got %d", len(elems))
	}
	id, err := parseUint(elems[1], "export/import id")
	if err != nil {
		return Expr{}, err
	}
	return Expr{Kind: kind, ImportID: id}, nil
}

// decodeOrderedObject unmarshals a JSON object while remembering the order
// its keys first appeared, using the token-level decoder since the default
// map[string]json.RawMessage decoding does not preserve order.
func decodeOrderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("object key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = raw
	}
	return keys, values, nil
}
