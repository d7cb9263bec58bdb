package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NatanFreeman/bart-rs/internal/encoder"
	"github.com/NatanFreeman/bart-rs/internal/encoder/tokenizer"
	"github.com/NatanFreeman/bart-rs/internal/encoder/weights"
	"github.com/NatanFreeman/bart-rs/internal/gguf"
)

func newTable(cols ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(cols)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func newTokenizeCmd() *cobra.Command {
	var (
		vocab     string
		model     string
		normalize bool
	)
	cmd := &cobra.Command{
		Use:   "tokenize TEXT",
		Short: "Split text into vocabulary tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v *tokenizer.Vocabulary
			var err error
			switch {
			case vocab != "":
				v, err = tokenizer.Load(vocab)
			case model != "":
				var f *gguf.File
				if f, err = gguf.Open(model); err != nil {
					return err
				}
				defer f.Close()
				v, err = tokenizer.FromGGUF(f)
			default:
				return errors.New("--vocab or --model is required")
			}
			if err != nil {
				return err
			}

			tokens := tokenizer.New(v, tokenizer.WithNormalization(normalize)).Tokenize(args[0])
			table := newTable("ID", "PIECE", "TEXT")
			for _, tok := range tokens {
				table.Append([]string{strconv.Itoa(tok.ID()), v.Piece(tok), strconv.Quote(v.Render(tok))})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&vocab, "vocab", "", "Path to a vocabulary file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Read the vocabulary from a GGUF container")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Apply NFC normalization")
	return cmd
}

func newTensorsCmd() *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "tensors MODEL",
		Short: "List the tensors and metadata of a GGUF container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gguf.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			fmt.Printf("version: %d, alignment: %d, architecture: %q\n", f.Header.Version, f.Alignment, f.Architecture())
			for _, key := range f.Keys() {
				if values, ok := f.Strings(key); ok {
					fmt.Printf("meta: %s = [%d values]\n", key, len(values))
					continue
				}
				fmt.Printf("meta: %s = %v\n", key, f.KV[key])
			}

			table := newTable("NAME", "TYPE", "SHAPE", "BYTES")
			for _, t := range f.Tensors {
				table.Append([]string{t.Name, t.Type.String(), fmt.Sprint(t.Shape()), strconv.FormatUint(t.SizeBytes(), 10)})
			}
			table.Render()

			if stats {
				s := f.Stats()
				fmt.Printf("\n%d tensors, %d parameters, %d bytes\n", s.TensorCount, s.TotalParams, s.TotalBytes)
				types := make([]string, 0, len(s.BytesPerType))
				for typ := range s.BytesPerType {
					types = append(types, typ)
				}
				sort.Strings(types)
				for _, typ := range types {
					fmt.Printf("  %-6s %d bytes\n", typ, s.BytesPerType[typ])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "Summarize bytes per tensor type")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	opts := &configFlags{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a container against the encoder architecture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}

			store, err := weights.Open(cfg.ModelPath)
			if err != nil {
				return err
			}
			problems := store.Verify(cfg.Dims)
			_ = store.Close()
			for _, p := range problems {
				log.Error().Err(p).Msg("verify")
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d of %d tensors failed verification", len(problems), len(weights.AllNames(cfg.Dims)))
			}

			enc, err := encoder.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer enc.Close()
			if err := enc.CheckEmbeddings(); err != nil {
				return err
			}

			fmt.Printf("%s: ok (%d tensors, %d layers, hidden %d, vocabulary %d)\n",
				cfg.ModelPath, len(weights.AllNames(cfg.Dims)), cfg.Dims.Layers, cfg.Dims.Hidden, enc.Vocabulary().Len())
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func parseWeightType(s string) (gguf.GGMLType, error) {
	switch strings.ToLower(s) {
	case "f32":
		return gguf.GGMLTypeF32, nil
	case "f16":
		return gguf.GGMLTypeF16, nil
	case "q8_0":
		return gguf.GGMLTypeQ8_0, nil
	}
	return 0, fmt.Errorf("unsupported weight type %q (want f32, f16 or q8_0)", s)
}
