package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	base := PathNotFound{Path: "sub/a.txt"}
	err := WithContext(WithContext(base, "resolve"), "get")

	assert.EqualError(t, err, `get: resolve: path "sub/a.txt" not found`)
	assert.Equal(t, base, RootCause(err))
	assert.Nil(t, WithContext(nil, "unused"))

	var notFound PathNotFound
	assert.True(t, As(err, &notFound))
	assert.Equal(t, "sub/a.txt", notFound.Path)
}

func TestRootCauseSentinel(t *testing.T) {
	err := WithContext(ErrAlreadyDisposed, "get")
	assert.Equal(t, ErrAlreadyDisposed, RootCause(err))
	assert.True(t, Is(err, ErrAlreadyDisposed))
	assert.False(t, Is(err, ErrNoRootHandle))
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "Plain",
			err:  WithContext(New("boom"), "mount"),
			exp:  "mount: boom",
		},
		{
			name: "Friendly",
			err:  WithContext(NewFriendlyError("Room %q is not configured.", "r"), "mount"),
			exp:  `Room "r" is not configured.`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}
