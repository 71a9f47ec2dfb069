package daemon

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/courierd/internal/wire"
)

// fakeDaemon accepts one connection at a time and answers each side effect
// with the configured handler.
func fakeDaemon(t *testing.T, handle func(conn net.Conn, f *wire.SideEffectFrame)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 0, 4096)
				chunk := make([]byte, 4096)
				for {
					body, consumed, err := wire.ReadFrame(buf)
					if err == nil {
						f, err := wire.ParseSideEffect(body)
						if err != nil {
							return
						}
						buf = buf[consumed:]
						handle(conn, f)
						continue
					}
					n, err := conn.Read(chunk)
					if err != nil {
						return
					}
					buf = append(buf, chunk[:n]...)
				}
			}(conn)
		}
	}()
	return sock
}

func TestSendAndWaitSuccess(t *testing.T) {
	sock := fakeDaemon(t, func(conn net.Conn, f *wire.SideEffectFrame) {
		ack := &wire.PublishAckFrame{EffectID: f.EffectID, Status: wire.Success}
		_, _ = conn.Write(ack.Encode())
	})

	c := New(sock, 2*time.Second)
	defer c.Close()

	id, resp, err := c.SendAndWait(context.Background(), []byte(`{"op":"noop"}`))
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if resp.Status != wire.Success {
		t.Fatalf("status = %s; want SUCCESS", resp.Status)
	}
	if resp.EffectID != id {
		t.Fatalf("effect id %s != %s", resp.EffectID, id)
	}
	if !c.IsConnected() {
		t.Fatal("client disconnected after successful call")
	}
}

func TestSendAndWaitFragmentedResponse(t *testing.T) {
	sock := fakeDaemon(t, func(conn net.Conn, f *wire.SideEffectFrame) {
		ack := &wire.PublishAckFrame{EffectID: f.EffectID, Status: wire.Failed, ErrorMessage: "stale session"}
		b := ack.Encode()
		// Dribble the response one byte at a time to exercise reassembly.
		for _, by := range b {
			_, _ = conn.Write([]byte{by})
		}
	})

	c := New(sock, 2*time.Second)
	defer c.Close()

	_, resp, err := c.SendAndWait(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if resp.Status != wire.Failed {
		t.Fatalf("status = %s; want FAILED", resp.Status)
	}
	if string(resp.Result) != "stale session" {
		t.Fatalf("result = %q; want %q", resp.Result, "stale session")
	}
}

func TestSendAndWaitTimeout(t *testing.T) {
	sock := fakeDaemon(t, func(net.Conn, *wire.SideEffectFrame) {
		// Never answer.
	})

	c := New(sock, 100*time.Millisecond)
	defer c.Close()

	id, _, err := c.SendAndWait(context.Background(), []byte("payload"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", err)
	}
	if id == uuid.Nil {
		t.Fatal("effect id missing on timeout")
	}
	if c.IsConnected() {
		t.Fatal("connection kept after timeout")
	}
}

func TestSendAndWaitEffectIDMismatch(t *testing.T) {
	sock := fakeDaemon(t, func(conn net.Conn, f *wire.SideEffectFrame) {
		ack := &wire.PublishAckFrame{EffectID: uuid.New(), Status: wire.Success}
		_, _ = conn.Write(ack.Encode())
	})

	c := New(sock, 2*time.Second)
	defer c.Close()

	if _, _, err := c.SendAndWait(context.Background(), []byte("payload")); !errors.Is(err, ErrEffectIDMismatch) {
		t.Fatalf("err = %v; want ErrEffectIDMismatch", err)
	}
	if c.IsConnected() {
		t.Fatal("connection kept after protocol error")
	}
}

func TestConnectUnreachable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v; want ErrConnectFailed", err)
	}
	if c.IsConnected() {
		t.Fatal("IsConnected after failed dial")
	}
}

func TestConnectIdempotent(t *testing.T) {
	sock := fakeDaemon(t, func(net.Conn, *wire.SideEffectFrame) {})

	c := New(sock, time.Second)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var calls atomic.Int32
	sock := fakeDaemon(t, func(conn net.Conn, f *wire.SideEffectFrame) {
		if calls.Add(1) == 1 {
			_ = conn.Close() // drop without answering
			return
		}
		ack := &wire.PublishAckFrame{EffectID: f.EffectID, Status: wire.Success}
		_, _ = conn.Write(ack.Encode())
	})

	c := New(sock, time.Second)
	defer c.Close()

	if _, _, err := c.SendAndWait(context.Background(), []byte("a")); err == nil {
		t.Fatal("expected error on dropped connection")
	}
	if c.IsConnected() {
		t.Fatal("connection kept after drop")
	}

	// Next call reconnects transparently.
	_, resp, err := c.SendAndWait(context.Background(), []byte("b"))
	if err != nil {
		t.Fatalf("SendAndWait after drop: %v", err)
	}
	if resp.Status != wire.Success {
		t.Fatalf("status = %s; want SUCCESS", resp.Status)
	}
}
