package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type echoParams struct {
	Text string `json:"text"`
}

func newEchoRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return echoParams{Text: p.Text}, nil
	})
	reg.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("handler exploded")
	})
	return reg
}

func startTestServer(t *testing.T, reg *Registry) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "d.sock")
	srv := NewServer(reg, log.New(io.Discard, "", 0))
	if err := srv.Listen(sock); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		if err := srv.Serve(context.Background()); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })
	return srv, sock
}

func TestRegistryHandleUnknownOp(t *testing.T) {
	reg := NewRegistry()
	resp := reg.Handle(context.Background(), Request{ID: "r1", Op: "nope"})
	if resp.OK {
		t.Fatal("unknown op handled OK")
	}
	if resp.ID != "r1" {
		t.Errorf("response ID = %q, want r1", resp.ID)
	}
	if !strings.Contains(resp.Error, "no handler") {
		t.Errorf("error = %q, want a no-handler message", resp.Error)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := newEchoRegistry()
	if !reg.CanHandle("echo") || reg.CanHandle("nope") {
		t.Fatal("CanHandle misreports registration")
	}

	raw, _ := json.Marshal(echoParams{Text: "hi"})
	resp := reg.Handle(context.Background(), Request{ID: "r2", Op: "echo", Params: raw})
	if !resp.OK {
		t.Fatalf("echo failed: %s", resp.Error)
	}
	var got echoParams
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if got.Text != "hi" {
		t.Errorf("echo = %q, want %q", got.Text, "hi")
	}
}

func TestDecodeParamsEmptyLeavesZeroValue(t *testing.T) {
	var p echoParams
	if err := DecodeParams(nil, &p); err != nil {
		t.Fatalf("DecodeParams(nil): %v", err)
	}
	if p.Text != "" {
		t.Errorf("Text = %q, want empty", p.Text)
	}
	if err := DecodeParams(json.RawMessage(`{bad`), &p); err == nil {
		t.Error("malformed params decoded without error")
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	_, sock := startTestServer(t, newEchoRegistry())
	client := NewClient(sock, 5*time.Second)

	var got echoParams
	if err := client.Call("echo", echoParams{Text: "over the wire"}, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Text != "over the wire" {
		t.Errorf("echo = %q, want %q", got.Text, "over the wire")
	}
}

func TestClientSurfacesHandlerError(t *testing.T) {
	_, sock := startTestServer(t, newEchoRegistry())
	client := NewClient(sock, 5*time.Second)

	err := client.Call("boom", nil, nil)
	if err == nil {
		t.Fatal("Call(boom) succeeded")
	}
	if !strings.Contains(err.Error(), "handler exploded") {
		t.Errorf("error = %v, want the handler message", err)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	_, sock := startTestServer(t, newEchoRegistry())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := NewClient(sock, 5*time.Second)
			want := fmt.Sprintf("client-%d", i)
			var got echoParams
			if err := client.Call("echo", echoParams{Text: want}, &got); err != nil {
				errs <- err
				return
			}
			if got.Text != want {
				errs <- fmt.Errorf("echo = %q, want %q", got.Text, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerRespondsToMalformedLine(t *testing.T) {
	_, sock := startTestServer(t, newEchoRegistry())

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, "this is not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, "parsing request") {
		t.Errorf("response = %+v, want a parse error", resp)
	}

	// The connection must survive the bad line.
	req := Request{ID: "after", Op: "echo", Params: json.RawMessage(`{"text":"still here"}`)}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if !resp.OK || resp.ID != "after" {
		t.Errorf("second response = %+v, want OK with ID after", resp)
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	srv, sock := startTestServer(t, newEchoRegistry())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := net.Dial("unix", sock); err == nil {
		t.Error("socket still accepts connections after Close")
	}
}
