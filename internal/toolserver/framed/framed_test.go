package framed_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/openclinic/medrag/internal/toolserver"
	"github.com/openclinic/medrag/internal/toolserver/framed"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
	memorymock "github.com/openclinic/medrag/pkg/memory/mock"
	embedmock "github.com/openclinic/medrag/pkg/provider/embeddings/mock"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := toolserver.Request{
		ToolName:  "graph_stats",
		Arguments: json.RawMessage(`{}`),
		RequestID: "r1",
	}
	if err := framed.WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	payload, err := framed.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var got toolserver.Request
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ToolName != req.ToolName || got.RequestID != req.RequestID {
		t.Errorf("round trip: got %+v", got)
	}
}

func TestReadFrame_CleanEOF(t *testing.T) {
	_, err := framed.ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], framed.MaxFrameSize+1)

	_, err := framed.ReadFrame(bytes.NewReader(prefix[:]))
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

// stubStores is the minimal corpus wiring the graph_stats tool needs.
type stubGraph struct {
	corpus.GraphStore
}

func (stubGraph) Stats(ctx context.Context) (*corpus.GraphStats, error) {
	return &corpus.GraphStats{TotalEntities: 7}, nil
}

type stubDocs struct{ corpus.DocumentStore }
type stubImages struct{ corpus.ImageStore }

func newTestServer(t *testing.T) *framed.Server {
	t.Helper()
	tools, err := toolserver.New(toolserver.Config{
		Stores:   corpus.Stores{Documents: stubDocs{}, Images: stubImages{}, Graph: stubGraph{}},
		Memories: memorymock.New(),
		Embedder: embedmock.New(4),
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("toolserver.New: %v", err)
	}
	return framed.NewServer(tools, slog.New(slog.DiscardHandler))
}

func TestServeConn_DispatchesRequests(t *testing.T) {
	server := newTestServer(t)
	client, serverEnd := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(context.Background(), serverEnd)
	}()

	req := toolserver.Request{
		ToolName:  "graph_stats",
		Arguments: json.RawMessage(`{}`),
		RequestID: "r42",
	}
	if err := framed.WriteFrame(client, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	payload, err := framed.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp toolserver.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.RequestID != "r42" {
		t.Errorf("response: %+v", resp)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not exit after close")
	}
}

func TestServeConn_MalformedEnvelopeClosesStream(t *testing.T) {
	server := newTestServer(t)
	client, serverEnd := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(context.Background(), serverEnd)
	}()

	payload := []byte("this is not json")
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := client.Write(append(prefix[:], payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := framed.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp toolserver.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK || resp.Error.Kind != fault.InvalidInput {
		t.Errorf("response: %+v", resp)
	}

	// The server drops the connection after a poisoned frame.
	if _, err := framed.ReadFrame(client); !errors.Is(err, io.EOF) && err == nil {
		t.Errorf("expected closed stream, got frame")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not exit")
	}
}

func TestServe_AcceptLoopStopsOnCancel(t *testing.T) {
	server := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	req := toolserver.Request{ToolName: "graph_stats", RequestID: "r1"}
	if err := framed.WriteFrame(conn, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := framed.ReadFrame(conn); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
