package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NatanFreeman/bart-rs/internal/encoder/model"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu    sync.Mutex
	paths [][]string
	rows  int64
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for reader.Next() {
		s.rows += reader.Record().NumRows()
	}
	return reader.Err()
}

func startServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mock := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mock, server.Addr().String()
}

func TestFlightSinkPut(t *testing.T) {
	mock, addr := startServer(t)

	sink, err := NewFlightSink(addr, "bart-qkv", NewCircuitBreaker(addr, 3, time.Second))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]model.Encoded{encoded(t, 0, 4, 3)}, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sink.Put(ctx, rb))
	require.NoError(t, sink.Put(ctx, rb))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, int64(24), mock.rows)
	assert.Equal(t, [][]string{{"bart-qkv"}, {"bart-qkv"}}, mock.paths)
}

func TestFlightSinkBreaker(t *testing.T) {
	breaker := NewCircuitBreaker("unreachable", 1, time.Hour)
	sink, err := NewFlightSink("127.0.0.1:1", "bart-qkv", breaker)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]model.Encoded{encoded(t, 0, 2, 2)}, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sink.Put(ctx, rb)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, breaker.State())

	err = sink.Put(ctx, rb)
	require.ErrorIs(t, err, ErrCircuitOpen)
}
