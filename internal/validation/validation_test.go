package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathSegment_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "empty", in: "", want: "", errIs: ErrInvalidPathSegment},
		{name: "simple", in: "qwen3-0.6b", want: "qwen3-0.6b", errIs: nil},
		{name: "dot", in: ".", want: "", errIs: ErrInvalidPathSegment},
		{name: "dotdot", in: "..", want: "", errIs: ErrInvalidPathSegment},
		{name: "slash", in: "a/b", want: "", errIs: ErrInvalidPathSegment},
		{name: "backslash", in: `a\b`, want: "", errIs: ErrInvalidPathSegment},
		{name: "traversal", in: "../escape", want: "", errIs: ErrInvalidPathSegment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathSegment(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
