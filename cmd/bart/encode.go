package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NatanFreeman/bart-rs/internal/client"
	"github.com/NatanFreeman/bart-rs/internal/encoder"
)

type encodeOptions struct {
	configFlags

	text      string
	lorem     int
	seed      int64
	report    string
	samples   int
	arrow     string
	positions int
	flight    string
	dataset   string
	timeout   time.Duration
}

func newEncodeCmd() *cobra.Command {
	opts := &encodeOptions{}
	cmd := &cobra.Command{
		Use:   "encode [text]",
		Short: "Compute Q, K and V for the selected encoder layers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.text = args[0]
			}
			return runEncode(cmd, opts)
		},
	}
	opts.register(cmd)

	fs := cmd.Flags()
	fs.IntVar(&opts.lorem, "lorem", 0, "Encode N words of generated lorem ipsum instead of text")
	fs.Int64Var(&opts.seed, "seed", 1, "Seed for --lorem")
	fs.StringVar(&opts.report, "report", "", "Write an activation report (.json or .cbor)")
	fs.IntVar(&opts.samples, "samples", 8, "Values of row 0 kept per projection in the report")
	fs.StringVar(&opts.arrow, "arrow", "", "Write Q, K and V as an Arrow IPC stream")
	fs.IntVar(&opts.positions, "positions", 0, "Rows per projection to export (default: all)")
	fs.StringVar(&opts.flight, "flight", "", "Flight server to put the activations to (e.g. localhost:3000)")
	fs.StringVar(&opts.dataset, "dataset", "bart-qkv", "Target dataset name on the Flight server")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this long")
	return cmd
}

func runEncode(cmd *cobra.Command, opts *encodeOptions) error {
	cfg, err := opts.config(cmd)
	if err != nil {
		return err
	}

	text := opts.text
	if opts.lorem > 0 {
		text = encoder.GenerateLorem(opts.lorem, opts.seed)
	}
	if text == "" {
		return errors.New("nothing to encode: pass text or --lorem")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	enc, err := encoder.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	defer enc.Close()

	start := time.Now()
	res, err := enc.Encode(ctx, text)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Int("layers", len(res.Layers)).
		Int("used", res.Frame.Used()).
		Dur("elapsed", elapsed).
		Msg("Encoded sequence")

	report := enc.NewReport(res, opts.samples)
	printReport(cmd.OutOrStdout(), report)
	if n := report.NonFinite(); n > 0 {
		log.Warn().Int("values", n).Msg("projections contain NaN or Inf")
	}

	if opts.report != "" {
		if err := report.Save(opts.report); err != nil {
			return err
		}
		log.Info().Str("path", opts.report).Msg("Report written")
	}

	if opts.arrow == "" && opts.flight == "" {
		return nil
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(res.Layers, opts.positions)
	if err != nil {
		return err
	}
	defer rec.Release()

	if opts.arrow != "" {
		if err := client.WriteIPCFile(opts.arrow, rec); err != nil {
			return err
		}
		log.Info().Str("path", opts.arrow).Int64("rows", rec.NumRows()).Msg("Arrow stream written")
	}

	if opts.flight != "" {
		sink, err := client.NewFlightSink(opts.flight, opts.dataset, client.NewCircuitBreaker(opts.flight, 1, time.Minute))
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		if err := sink.Put(ctx, rec); err != nil {
			return err
		}
		log.Info().Str("server", opts.flight).Str("dataset", opts.dataset).Msg("Sent activations")
	}
	return nil
}

func printReport(w io.Writer, r *encoder.Report) {
	fmt.Fprintf(w, "tokens: %d of %d positions, device %s, precision %s\n", r.Used-2, len(r.Tokens), r.Device, r.Precision)

	var data [][]string
	for _, l := range r.Layers {
		data = append(data, []string{
			strconv.Itoa(l.Layer),
			formatStats(l.Q),
			formatStats(l.K),
			formatStats(l.V),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "Q MAX", "K MAX", "V MAX"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatStats(s encoder.ProjectionStats) string {
	out := strconv.FormatFloat(float64(s.MaxAbs), 'g', 5, 32)
	if s.NaNs > 0 || s.Infs > 0 {
		out += fmt.Sprintf(" (%d nan, %d inf)", s.NaNs, s.Infs)
	}
	return out
}
