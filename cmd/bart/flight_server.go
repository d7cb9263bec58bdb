package main

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/NatanFreeman/bart-rs/internal/client"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
)

// EncoderFlightServer answers DoGet with the Q, K and V rows of the text
// carried in the ticket.
type EncoderFlightServer struct {
	flight.BaseFlightServer
	encoder EncoderInterface
	alloc   memory.Allocator
}

func NewEncoderFlightServer(enc EncoderInterface) *EncoderFlightServer {
	return &EncoderFlightServer{
		encoder: enc,
		alloc:   memory.NewGoAllocator(),
	}
}

func (s *EncoderFlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	text := string(ticket.GetTicket())
	if text == "" {
		return status.Error(codes.InvalidArgument, "empty ticket")
	}

	res, err := s.encoder.Encode(stream.Context(), text)
	if err != nil {
		return status.Error(grpcCode(err), err.Error())
	}
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(res.Layers, 0)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	defer writer.Close()
	log.Debug().Int64("rows", rec.NumRows()).Msg("DoGet sending batch")
	return writer.Write(rec)
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, input.ErrSequenceTooLong):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// StartFlightServer blocks serving DoGet on addr.
func StartFlightServer(addr string, enc EncoderInterface) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewEncoderFlightServer(enc))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		return err
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Flight server")
	return server.Serve()
}
