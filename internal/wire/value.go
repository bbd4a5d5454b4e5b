package wire

// CapabilityRef marks a resolved value as a reference to a registered
// capability rather than plain JSON data. The evaluator produces these for
// the bootstrap capability (id 0) and for any capability a dispatch result
// explicitly hands back by id, so that a three-argument pipeline expression
// has something to call through. Pulling one directly is rejected as an
// unsupported operation; a CapabilityRef nested inside an array or object
// result is not checked and is encoded as a plain {"CapID": N} object.
type CapabilityRef struct {
	CapID int
}

// OrderedObject preserves the key order a client supplied in a pushed
// expression so that, when that object is echoed back verbatim (no keys
// added or removed), the response serializes keys in the same order the
// caller used. Order is otherwise semantically irrelevant on the wire.
type OrderedObject struct {
	Keys   []string
	Values map[string]interface{}
}

// AsMap returns the underlying map for read access; callers must not assume
// any order from the result.
func (o *OrderedObject) AsMap() map[string]interface{} {
	if o == nil {
		return nil
	}
	return o.Values
}

// MarshalJSON writes the object's fields in insertion order.
func (o *OrderedObject) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range o.Keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := marshalJSON(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := marshalJSON(o.Values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}
