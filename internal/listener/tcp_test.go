package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/agentwire/gateway/internal/config"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func echoHandler() ConnHandler {
	return ConnHandlerFunc(func(ctx context.Context, conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			if _, err := conn.Write(line); err != nil {
				return
			}
		}
	})
}

func startTCP(t *testing.T, lc config.ListenerConfig, h ConnHandler) *TCPListener {
	t.Helper()
	l, err := NewTCPListener(lc, h)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Stop(ctx)
	})
	return l
}

func TestTCPListenerEcho(t *testing.T) {
	l := startTCP(t, config.ListenerConfig{ID: "echo", Address: "127.0.0.1:0"}, echoHandler())

	conn, err := net.DialTimeout("tcp", l.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "hello\n" {
		t.Fatalf("echoed %q, want hello", line)
	}
}

func TestTCPListenerTLSTermination(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t, 1)
	certFile, keyFile := writeCertPair(t, t.TempDir(), certPEM, keyPEM)

	l := startTCP(t, config.ListenerConfig{
		ID:      "echo-tls",
		Address: "127.0.0.1:0",
		TLS:     config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	}, echoHandler())

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", l.Addr(), &tls.Config{
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("secret\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "secret\n" {
		t.Fatalf("echoed %q, want secret", line)
	}
}

func TestTCPListenerStopCancelsAfterDrainTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	blocking := ConnHandlerFunc(func(ctx context.Context, conn net.Conn) {
		<-ctx.Done()
		close(cancelled)
	})

	l, err := NewTCPListener(config.ListenerConfig{ID: "drain", Address: "127.0.0.1:0"}, blocking)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", l.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, 2*time.Second, func() bool { return l.ActiveConnections() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("drain timeout should cancel connection contexts")
	}
}

func TestTCPListenerIdleDeadline(t *testing.T) {
	readErr := make(chan error, 1)
	h := ConnHandlerFunc(func(ctx context.Context, conn net.Conn) {
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		readErr <- err
	})

	l := startTCP(t, config.ListenerConfig{
		ID:          "idle",
		Address:     "127.0.0.1:0",
		IdleTimeout: 50 * time.Millisecond,
	}, h)

	conn, err := net.DialTimeout("tcp", l.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case err := <-readErr:
		netErr, ok := err.(net.Error)
		if !ok || !netErr.Timeout() {
			t.Fatalf("idle connection read should time out, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle deadline did not fire")
	}
}

func TestTCPListenerActiveConnections(t *testing.T) {
	release := make(chan struct{})
	h := ConnHandlerFunc(func(ctx context.Context, conn net.Conn) {
		<-release
	})

	l := startTCP(t, config.ListenerConfig{ID: "count", Address: "127.0.0.1:0"}, h)

	c1, err := net.DialTimeout("tcp", l.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := net.DialTimeout("tcp", l.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	waitFor(t, 2*time.Second, func() bool { return l.ActiveConnections() == 2 })
	close(release)
	waitFor(t, 2*time.Second, func() bool { return l.ActiveConnections() == 0 })
}
