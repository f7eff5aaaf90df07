// ghostline/request_layer_test.go
package ghostline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingClient parks Generate calls until released or cancelled.
type blockingClient struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (c *blockingClient) Generate(ctx context.Context, _ string, _ Config, _ *slog.Logger) (string, error) {
	c.started <- struct{}{}
	select {
	case <-c.release:
		return "released", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *blockingClient) GenerateStream(ctx context.Context, prompt string, cfg Config, logger *slog.Logger) (io.ReadCloser, error) {
	text, err := c.Generate(ctx, prompt, cfg, logger)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(encodeStreamLine(text))), nil
}

func TestExecuteReturnsModelOutput(t *testing.T) {
	client := &mockLLMClient{response: "completion text"}
	layer := NewRequestLayer(client, testLogger())

	got, err := layer.Execute(context.Background(), "prompt", getDefaultConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "completion text" {
		t.Errorf("Execute = %q", got)
	}
	if layer.InFlight() != 0 {
		t.Errorf("InFlight after completion = %d", layer.InFlight())
	}
}

func TestCancelAllFailsFastUntilReset(t *testing.T) {
	client := &mockLLMClient{response: "ok"}
	layer := NewRequestLayer(client, testLogger())

	layer.CancelAll()
	if !layer.IsCancelled() {
		t.Fatal("IsCancelled = false after CancelAll")
	}
	if _, err := layer.Execute(context.Background(), "p", getDefaultConfig()); !errors.Is(err, ErrTransportCancelled) {
		t.Fatalf("Execute after CancelAll = %v, want ErrTransportCancelled", err)
	}
	// Every attempt fails until Reset, not just the first.
	if _, err := layer.Execute(context.Background(), "p", getDefaultConfig()); !errors.Is(err, ErrTransportCancelled) {
		t.Fatalf("second Execute after CancelAll = %v", err)
	}

	layer.Reset()
	if _, err := layer.Execute(context.Background(), "p", getDefaultConfig()); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
}

func TestCancelAllAbortsInFlightCalls(t *testing.T) {
	client := newBlockingClient()
	layer := NewRequestLayer(client, testLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := layer.Execute(context.Background(), "p", getDefaultConfig())
		errCh <- err
	}()
	<-client.started
	if layer.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", layer.InFlight())
	}

	layer.CancelAll()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportCancelled) {
			t.Fatalf("aborted call error = %v, want ErrTransportCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("CancelAll did not abort the in-flight call")
	}
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	client := newBlockingClient()
	layer := NewRequestLayer(client, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := layer.Execute(ctx, "p", getDefaultConfig())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

type collectListener struct {
	mu     sync.Mutex
	chunks []string
	full   string
	err    error
	done   chan struct{}
}

func newCollectListener() *collectListener {
	return &collectListener{done: make(chan struct{})}
}

func (l *collectListener) OnChunk(text string) {
	l.mu.Lock()
	l.chunks = append(l.chunks, text)
	l.mu.Unlock()
}

func (l *collectListener) OnDone(full string) {
	l.mu.Lock()
	l.full = full
	l.mu.Unlock()
	close(l.done)
}

func (l *collectListener) OnError(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

func TestExecuteStreamingDeliversChunks(t *testing.T) {
	client := &mockLLMClient{response: "streamed completion"}
	layer := NewRequestLayer(client, testLogger())
	listener := newCollectListener()

	if err := layer.ExecuteStreaming(context.Background(), "p", getDefaultConfig(), listener); err != nil {
		t.Fatalf("ExecuteStreaming: %v", err)
	}
	<-listener.done
	if listener.full != "streamed completion" {
		t.Errorf("OnDone full = %q", listener.full)
	}
	if len(listener.chunks) == 0 {
		t.Error("no chunks delivered")
	}
}

func TestExecuteStreamingReportsCancellation(t *testing.T) {
	client := &mockLLMClient{response: "x"}
	layer := NewRequestLayer(client, testLogger())
	layer.CancelAll()

	listener := newCollectListener()
	err := layer.ExecuteStreaming(context.Background(), "p", getDefaultConfig(), listener)
	if !errors.Is(err, ErrTransportCancelled) {
		t.Fatalf("error = %v, want ErrTransportCancelled", err)
	}
	<-listener.done
	if !errors.Is(listener.err, ErrTransportCancelled) {
		t.Errorf("listener error = %v, want ErrTransportCancelled", listener.err)
	}
}
