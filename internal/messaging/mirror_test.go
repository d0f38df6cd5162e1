package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/shopmesh/orderflow/internal/domain"
)

type blockingWriter struct {
	release chan struct{}

	mu      sync.Mutex
	written []kafka.Message
	ctxErr  error
	closed  int
}

func (w *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	w.ctxErr = ctx.Err()
	return nil
}

func (w *blockingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func TestPublisher_MirrorsInBackground(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	mirror := &KafkaMirror{
		writer:  writer,
		topic:   "shop.events.audit",
		timeout: time.Minute,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ch := &fakeChannel{}
	opens := 0
	p := newTestPublisher(ch, &opens, WithMirror(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Publish(ctx, domain.EventOrderCreated, map[string]int{"order_id": 1})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish waited on the kafka mirror")
	}
	cancel()
	close(writer.release)

	require.NoError(t, p.Close())
	require.NoError(t, mirror.Close())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.written, 1)
	require.Equal(t, domain.EventOrderCreated, string(writer.written[0].Key))
	require.NoError(t, writer.ctxErr, "mirror write must outlive the caller's context")
	require.Equal(t, 1, writer.closed)
}
