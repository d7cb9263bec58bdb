package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// FlightClient sends record batches to an Arrow Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut streams record to the dataset path and waits for the server to
// acknowledge the whole stream.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// FlightSink puts records to one dataset behind a circuit breaker.
type FlightSink struct {
	client  *FlightClient
	breaker *CircuitBreaker
	dataset string
}

func NewFlightSink(addr, dataset string, breaker *CircuitBreaker) (*FlightSink, error) {
	c, err := NewFlightClient(addr)
	if err != nil {
		return nil, fmt.Errorf("flight client %s: %w", addr, err)
	}
	return &FlightSink{client: c, breaker: breaker, dataset: dataset}, nil
}

func (s *FlightSink) Put(ctx context.Context, record arrow.RecordBatch) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("put %s: %w", s.dataset, ErrCircuitOpen)
	}
	if err := s.client.DoPut(ctx, s.dataset, record); err != nil {
		s.breaker.Failure()
		log.Warn().Err(err).Str("dataset", s.dataset).Str("breaker", s.breaker.State().String()).Msg("flight put failed")
		return fmt.Errorf("put %s: %w", s.dataset, err)
	}
	s.breaker.Success()
	log.Debug().Str("dataset", s.dataset).Int64("rows", record.NumRows()).Msg("flight put")
	return nil
}

func (s *FlightSink) Close() error {
	return s.client.Close()
}
