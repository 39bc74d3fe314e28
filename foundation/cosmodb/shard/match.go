package shard

import (
	"bytes"
	"encoding/json"
	"math/big"
	"reflect"
)

// Match reports whether every key/value in the query is present in the
// document with an equal value. An empty query matches every document.
func Match(doc Document, query map[string]any) bool {
	for k, want := range query {
		got, exists := doc[k]
		if !exists {
			return false
		}

		if !equal(got, want) {
			return false
		}
	}

	return true
}

// equal compares two JSON compatible values. Both sides are brought to
// the form the JSON decoder produces with UseNumber, so a Go int, a
// float64 and a json.Number holding the same value compare equal. Numbers
// compare by value, so 1 and 1.0 are the same.
func equal(a any, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}

	na, err := normalize(a)
	if err != nil {
		return false
	}

	nb, err := normalize(b)
	if err != nil {
		return false
	}

	return same(na, nb)
}

// normalize re-decodes the value so maps, slices and numbers have the
// types the JSON decoder produces.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}

	return out, nil
}

func same(a any, b any) bool {
	switch av := a.(type) {
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && sameNumber(av, bv)

	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, exists := bv[k]
			if !exists || !same(v, w) {
				return false
			}
		}
		return true

	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !same(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}

// numberPrec is wide enough to hold any integer or float64 literal a
// document is likely to carry without rounding.
const numberPrec = 512

func sameNumber(a json.Number, b json.Number) bool {
	if a == b {
		return true
	}

	x, _, err := big.ParseFloat(string(a), 10, numberPrec, big.ToNearestEven)
	if err != nil {
		return false
	}

	y, _, err := big.ParseFloat(string(b), 10, numberPrec, big.ToNearestEven)
	if err != nil {
		return false
	}

	return x.Cmp(y) == 0
}
