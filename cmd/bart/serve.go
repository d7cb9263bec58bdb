package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/NatanFreeman/bart-rs/internal/client"
	"github.com/NatanFreeman/bart-rs/internal/encoder"
	"github.com/NatanFreeman/bart-rs/internal/encoder/input"
)

var (
	sequencesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_sequences_processed_total",
		Help: "The total number of sequences encoded by the server",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bart_request_duration_seconds",
		Help:    "Time spent processing encode requests",
		Buckets: prometheus.DefBuckets,
	})
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

type EncoderInterface interface {
	Encode(ctx context.Context, text string) (*encoder.Result, error)
	NewReport(res *encoder.Result, samples int) *encoder.Report
}

// RecordSink receives the activations of every request when forwarding is
// enabled.
type RecordSink interface {
	Put(ctx context.Context, record arrow.RecordBatch) error
	Close() error
}

// EncodeRequest is the body of /encode and /encode/arrow. Positions limits
// the exported rows per projection; zero exports all.
type EncodeRequest struct {
	Text      string `json:"text" cbor:"text"`
	Samples   int    `json:"samples,omitempty" cbor:"samples,omitempty"`
	Positions int    `json:"positions,omitempty" cbor:"positions,omitempty"`
}

type Server struct {
	encoder EncoderInterface
	sink    RecordSink
	alloc   memory.Allocator
	sem     *semaphore.Weighted
}

func NewServer(enc EncoderInterface, sink RecordSink, maxConcurrent int) *Server {
	return &Server{
		encoder: enc,
		sink:    sink,
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/encode", s.handleEncode)
	mux.HandleFunc("/encode/arrow", s.handleEncodeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

var tracer = otel.Tracer("bart-server")

func isCBOR(contentType string) bool {
	return strings.HasPrefix(contentType, "application/cbor")
}

func decodeRequest(r *http.Request) (EncodeRequest, error) {
	var req EncodeRequest
	var err error
	if isCBOR(r.Header.Get("Content-Type")) {
		err = cbor.NewDecoder(r.Body).Decode(&req)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		return req, err
	}
	if req.Text == "" {
		return req, errors.New("text is required")
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, input.ErrSequenceTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// encode decodes and runs one request under admission control. It writes
// the error response itself and reports false when there is nothing left
// to send.
func (s *Server) encode(ctx context.Context, w http.ResponseWriter, r *http.Request) (*encoder.Result, EncodeRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, EncodeRequest{}, false
	}

	req, err := decodeRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return nil, req, false
	}

	// Admission Control
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, req, false
	}
	defer s.sem.Release(1)

	res, err := s.encoder.Encode(ctx, req.Text)
	if err != nil {
		log.Warn().Err(err).Msg("encode failed")
		http.Error(w, err.Error(), statusFor(err))
		return nil, req, false
	}
	sequencesProcessed.Inc()
	return res, req, true
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleEncode")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	res, req, ok := s.encode(ctx, w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int("used", res.Frame.Used()))

	if s.sink != nil {
		if err := s.forward(ctx, res, req.Positions); err != nil {
			log.Error().Err(err).Msg("Error forwarding activations")
		}
	}

	report := s.encoder.NewReport(res, req.Samples)
	if isCBOR(r.Header.Get("Accept")) {
		data, err := cbor.Marshal(report)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleEncodeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleEncodeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	res, req, ok := s.encode(ctx, w, r)
	if !ok {
		return
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(res.Layers, req.Positions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()
	span.SetAttributes(attribute.Int64("rows", rec.NumRows()))

	w.Header().Set("Content-Type", arrowStreamType)
	if err := client.WriteIPC(w, rec); err != nil {
		log.Error().Err(err).Msg("Failed to write arrow stream")
	}
}

func (s *Server) forward(ctx context.Context, res *encoder.Result, positions int) error {
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(res.Layers, positions)
	if err != nil {
		return err
	}
	defer rec.Release()
	return s.sink.Put(ctx, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func newServeCmd() *cobra.Command {
	var (
		opts          configFlags
		listenAddr    string
		flightAddr    string
		serverAddr    string
		dataset       string
		maxConcurrent int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve encode requests over HTTP and Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			enc, err := encoder.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to create encoder: %w", err)
			}
			defer enc.Close()

			var sink RecordSink
			if serverAddr != "" {
				fsink, err := client.NewFlightSink(serverAddr, dataset, client.NewCircuitBreaker(serverAddr, 5, 30*time.Second))
				if err != nil {
					return err
				}
				defer fsink.Close()
				log.Info().Str("addr", serverAddr).Str("dataset", dataset).Msg("Forwarding activations")
				sink = fsink
			}

			errc := make(chan error, 2)
			if flightAddr != "" {
				go func() { errc <- StartFlightServer(flightAddr, enc) }()
			}
			if listenAddr != "" {
				srv := NewServer(enc, sink, maxConcurrent)
				go func() {
					log.Info().Str("addr", listenAddr).Msg("Starting HTTP server")
					errc <- http.ListenAndServe(listenAddr, srv.Handler())
				}()
			}
			if listenAddr == "" && flightAddr == "" {
				return errors.New("--listen or --flight-listen is required")
			}
			return <-errc
		},
	}
	opts.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&listenAddr, "listen", ":8080", "Address to listen on for HTTP requests (empty disables)")
	fs.StringVar(&flightAddr, "flight-listen", "", "Address to listen on for Flight DoGet requests (e.g. :9090)")
	fs.StringVar(&serverAddr, "forward", "", "Flight server to forward every request's activations to")
	fs.StringVar(&dataset, "dataset", "bart-qkv", "Target dataset name when forwarding")
	fs.IntVar(&maxConcurrent, "max-concurrent", 4, "Maximum number of requests encoded at once")
	return cmd
}
