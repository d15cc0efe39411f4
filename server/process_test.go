package server

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/guseggert/winusbinstall/client"
	"github.com/guseggert/winusbinstall/driver/drivertest"
	"github.com/guseggert/winusbinstall/elevate"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// When clientEnv is set the test binary runs as the client.
const clientEnv = "WINUSBINSTALL_TEST_CLIENT"

func TestMain(m *testing.M) {
	if _, ok := os.LookupEnv(clientEnv); ok {
		channel, version := parseClientArgs(os.Args[1:])
		l, _ := zap.NewDevelopment()
		os.Exit(client.New(&drivertest.Installer{}, client.WithLogger(l)).Run(context.Background(), channel, version))
	}
	os.Exit(m.Run())
}

func TestSessionWithClientProcess(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	srv := newTestServer(t,
		elevate.Direct{Env: []string{clientEnv + "=1"}, Stderr: os.Stderr},
		WithClientCommand(exe),
	)

	sess, err := srv.StartInstallation(context.Background(), targets(1, 2))
	require.NoError(t, err)

	results := collect(t, sess)
	if diff := cmp.Diff([]protocol.InstallResult{success(1), success(2)}, results, ignoreDetail); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, sess.Shutdown(context.Background()))
	exit, ok := sess.ProcessExit()
	require.True(t, ok)
	assert.Equal(t, ProcessExit{Code: client.ExitOK}, exit)
	requireChannelGone(t, sess.Channel)
}
