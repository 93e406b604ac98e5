// Package testutil defines some useful functions for testing only.
package testutil

import (
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

// MakeCID with specified data.
func MakeCID(t testing.TB, data string) cid.Cid {
	t.Helper()
	return MakeCIDWithCodec(t, cid.Raw, data)
}

// MakeCIDWithCodec makes a CID with a given codec.
func MakeCIDWithCodec(t testing.TB, codec uint64, data string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.IDENTITY, -1)
	require.NoError(t, err)

	return cid.NewCidV1(codec, mh)
}

// StructsEqualBuilder is a fluent interface for comparing structs.
type StructsEqualBuilder[T any] struct {
	a    T
	b    T
	opts []cmp.Option
}

// StructsEqual compares two structs of the same type for equality. It allows ignoring field names.
func StructsEqual[T any](a, b T) *StructsEqualBuilder[T] {
	return &StructsEqualBuilder[T]{a: a, b: b, opts: []cmp.Option{ExportedFieldsFilter()}}
}

// IgnoreFields allows ignoring fields on a certain type.
// Type must be a non-pointer value.
func (sb *StructsEqualBuilder[T]) IgnoreFields(_type any, fields ...string) *StructsEqualBuilder[T] {
	sb.opts = append(sb.opts, cmpopts.IgnoreFields(_type, fields...))
	return sb
}

// Diff returns a diff between the two structs.
func (sb *StructsEqualBuilder[T]) Diff() string {
	return cmp.Diff(sb.a, sb.b, sb.opts...)
}

// IsEqual is like Compare but just returns a boolean.
func (sb *StructsEqualBuilder[T]) IsEqual() bool {
	diff := cmp.Diff(sb.a, sb.b, sb.opts...)
	return diff == ""
}

// Compare executes the final comparison.
func (sb *StructsEqualBuilder[T]) Compare(t *testing.T, msg string, format ...any) {
	t.Helper()

	diff := cmp.Diff(sb.a, sb.b, sb.opts...)
	if diff != "" {
		t.Log(diff)
		t.Fatalf(msg, format...)
	}
}

// ExportedFieldsFilter is a go-cmp Option which ignores recursively unexported fields.
func ExportedFieldsFilter() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		sf, ok := p.Index(-1).(cmp.StructField)
		if !ok {
			return false
		}
		r, _ := utf8.DecodeRuneInString(sf.Name())
		return !unicode.IsUpper(r)
	}, cmp.Ignore())
}
