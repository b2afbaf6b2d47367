//go:build integration

package main_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"relay/internal/app/apps"
	"relay/internal/app/cfg"

	"github.com/stretchr/testify/require"
)

func TestPortalServerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := cfg.NewAddrCfg("127.0.0.1:29401", "127.0.0.1:29400")

	s, err := apps.NewServerApp(addrs)
	require.NoError(t, err)
	go func() { _ = s.Run(ctx, nil) }()

	p, err := apps.NewPortalApp(addrs)
	require.NoError(t, err)
	go func() { _ = p.Run(ctx, nil) }()

	// Wait for the portal's client listener to come up.
	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.Dial("tcp", "127.0.0.1:29400")
		return dialErr == nil
	}, 10*time.Second, 100*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("hello there\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "You say: hello there") {
			return
		}
	}
}
