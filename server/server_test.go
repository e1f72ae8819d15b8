package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"chatrelay/config"
	"chatrelay/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 5 * time.Second

// testModes lists the acceptors every end-to-end test runs against.
var testModes = []string{config.ModeThreaded}

// setupTestServer serves on a loopback port until the test ends.
func setupTestServer(t *testing.T, mode string, maxSessions int) (*Server, string) {
	t.Helper()
	database := openTestDB(t)

	srv, err := New(database, &ServerConfig{
		Host:         "127.0.0.1",
		Mode:         mode,
		MaxSessions:  maxSessions,
		WriteTimeout: ioTimeout,
	}, testLogger)
	require.NoError(t, err)
	srv.handler.now = fixedNow

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(ioTimeout):
			t.Error("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(cmd protocol.Command) {
	c.t.Helper()
	wire, err := protocol.EncodeCommand(cmd)
	require.NoError(c.t, err)
	c.sendRaw(wire)
}

func (c *testClient) sendRaw(p []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := c.conn.Write(p)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (c *testClient) readLines(n int) []string {
	c.t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = c.readLine()
	}
	return lines
}

// expectClosed reads until the server ends the stream.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	for {
		_, err := c.r.ReadString('\n')
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatal("connection was not closed by the server")
		}
		return
	}
}

// expectSilence asserts nothing arrives for d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.r.ReadString('\n')
	var netErr net.Error
	require.Truef(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected line %q (err %v)", line, err)
}

// register performs a fresh registration and consumes its three lines.
func (c *testClient) register(login, secret string) []string {
	c.t.Helper()
	c.send(protocol.Register{Login: login, Secret: secret})
	return c.readLines(3)
}

func forEachMode(t *testing.T, fn func(t *testing.T, mode string)) {
	for _, mode := range testModes {
		t.Run(mode, func(t *testing.T) { fn(t, mode) })
	}
}

func TestRegisterAndBroadcast(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)

		alice := dial(t, addr)
		aliceNotice := "<alice connected to the server> | from <alice> 13:04:05"
		assert.Equal(t, []string{
			"You have successfully registered!",
			"20 latest msg: ",
			aliceNotice,
		}, alice.register("alice", "pw"))

		bob := dial(t, addr)
		bobNotice := "<bob connected to the server> | from <bob> 13:04:05"
		assert.Equal(t, []string{
			"You have successfully registered!",
			"20 latest msg: " + aliceNotice,
			bobNotice,
		}, bob.register("bob", "pw"))
		assert.Equal(t, bobNotice, alice.readLine())

		alice.send(protocol.Message{Sender: "alice", Body: "hi bob"})
		assert.Equal(t, "hi bob | from <alice> 13:04:05", alice.readLine())
		assert.Equal(t, "hi bob | from <alice> 13:04:05", bob.readLine())
	})
}

func TestLoginWithWrongSecret(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)
		dial(t, addr).register("alice", "pw")

		c := dial(t, addr)
		c.send(protocol.Register{Login: "alice", Secret: "nope"})
		assert.Equal(t, "Invalid password. Try again", c.readLine())

		c.send(protocol.Register{Login: "alice", Secret: "pw"})
		assert.Equal(t, "Welcome to server alice!", c.readLine())
	})
}

func TestByteAtATimeDelivery(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)
		c := dial(t, addr)

		wire, err := protocol.EncodeCommand(protocol.Register{Login: "slow", Secret: "pw"})
		require.NoError(t, err)
		for _, b := range wire {
			c.sendRaw([]byte{b})
			time.Sleep(time.Millisecond)
		}

		assert.Equal(t, "You have successfully registered!", c.readLine())
	})
}

func TestCoalescedFrames(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)
		c := dial(t, addr)

		var wire []byte
		for _, cmd := range []protocol.Command{
			protocol.Register{Login: "alice", Secret: "pw"},
			protocol.Message{Sender: "alice", Body: "one"},
			protocol.Message{Sender: "alice", Body: "two"},
		} {
			b, err := protocol.EncodeCommand(cmd)
			require.NoError(t, err)
			wire = append(wire, b...)
		}
		c.sendRaw(wire)

		lines := c.readLines(5)
		assert.Equal(t, "one | from <alice> 13:04:05", lines[3])
		assert.Equal(t, "two | from <alice> 13:04:05", lines[4])
	})
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)
		c := dial(t, addr)

		c.sendRaw([]byte("T_PING\x1e"))
		c.send(protocol.Message{Sender: "alice", Body: "ok"})
		assert.Equal(t, "ok | from <alice> 13:04:05", c.readLine())
	})
}

func TestDeleteAccountDisconnects(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		srv, addr := setupTestServer(t, mode, 0)
		alice := dial(t, addr)
		alice.register("alice", "pw")

		bob := dial(t, addr)
		bob.send(protocol.DeleteAccount{Login: "alice"})
		bob.expectClosed()

		assert.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, ioTimeout, 10*time.Millisecond)

		// alice is still connected, but her account is gone.
		alice.send(protocol.Register{Login: "alice", Secret: "other"})
		assert.Equal(t, "You have successfully registered!", alice.readLine())
	})
}

func TestDisconnectedPeerIsDropped(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		srv, addr := setupTestServer(t, mode, 0)
		alice := dial(t, addr)
		alice.register("alice", "pw")

		carol := dial(t, addr)
		carol.sendRaw([]byte("T_MESSAGE\x1dcar"))
		carol.conn.Close()

		assert.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, ioTimeout, 10*time.Millisecond)

		alice.send(protocol.Message{Sender: "alice", Body: "anyone?"})
		assert.Equal(t, "anyone? | from <alice> 13:04:05", alice.readLine())
	})
}

func TestOversizeFrameDisconnects(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		_, addr := setupTestServer(t, mode, 0)
		c := dial(t, addr)

		// The server may reset the connection before the write completes.
		c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
		c.conn.Write([]byte(strings.Repeat("x", protocol.MaxFrameSize+1024)))

		c.expectClosed()
	})
}

func TestShutdownClosesClients(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		srv, addr := setupTestServer(t, mode, 0)
		a, b := dial(t, addr), dial(t, addr)
		a.register("alice", "pw")

		assert.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, ioTimeout, 10*time.Millisecond)

		srv.Shutdown()
		a.expectClosed()
		b.expectClosed()
	})
}

func TestGetStats(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode string) {
		srv, addr := setupTestServer(t, mode, 0)
		assert.Equal(t, "connections=0,mode="+mode+",remotes=", srv.GetStats())

		c := dial(t, addr)
		c.register("alice", "pw")

		stats := srv.GetStats()
		assert.True(t, strings.HasPrefix(stats, "connections=1,mode="+mode+",remotes="), stats)
		assert.Contains(t, stats, c.conn.LocalAddr().String())
	})
}

func TestMaxSessionsQueuesConnections(t *testing.T) {
	_, addr := setupTestServer(t, config.ModeThreaded, 1)

	first := dial(t, addr)
	first.register("first", "pw")

	second := dial(t, addr)
	second.send(protocol.Register{Login: "second", Secret: "pw"})
	second.expectSilence(300 * time.Millisecond)

	first.conn.Close()
	assert.Equal(t, "You have successfully registered!", second.readLine())
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(openTestDB(t), &ServerConfig{Mode: "fibers"}, testLogger)
	assert.ErrorIs(t, err, config.ErrUnknownMode)
}

func TestServerAddr(t *testing.T) {
	srv, addr := setupTestServer(t, config.ModeThreaded, 0)
	assert.Eventually(t, func() bool {
		a := srv.Addr()
		return a != nil && a.String() == addr
	}, ioTimeout, 10*time.Millisecond)
}
