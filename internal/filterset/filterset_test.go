package filterset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sendside/sendside/internal/errs"
)

func TestRejectAcceptsEmpty(t *testing.T) {
	require.NoError(t, Reject(nil))
	require.NoError(t, Reject([]byte{}))
}

func TestRejectRejectsNonEmpty(t *testing.T) {
	err := Reject([]byte("+ *.go\n"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))
}
