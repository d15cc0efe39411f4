//go:build !windows

package transport

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenRestrictsChannelToOwner(t *testing.T) {
	name := channelName(uuid.NewString())
	dir := filepath.Dir(name)
	l, err := Listen(name)
	require.NoError(t, err)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
	fi, err = os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// a failed second bind leaves the first listener's directory alone
	_, err = Listen(name)
	require.Error(t, err)
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist), "channel directory should be removed, stat: %v", err)
}
