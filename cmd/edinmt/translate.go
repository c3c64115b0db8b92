package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/EdinburghNLP/material-edinmt/internal/config"
	"github.com/EdinburghNLP/material-edinmt/internal/folder"
	"github.com/EdinburghNLP/material-edinmt/internal/pipeline"
	"github.com/EdinburghNLP/material-edinmt/internal/textproc"
)

// translateFlags are shared by translate and translate-folder. Flags
// win over environment variables.
type translateFlags struct {
	srcLang    string
	tgtLang    string
	system     string
	format     string
	batchSize  int
	nBest      bool
	nBestWords bool
}

func (f *translateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.srcLang, "src", "s", "", "source language (env SRC)")
	cmd.Flags().StringVarP(&f.tgtLang, "tgt", "t", "", "target language (env TGT)")
	cmd.Flags().StringVar(&f.system, "system", "", "system name, overrides src/tgt inference (env SYSTEM)")
	cmd.Flags().StringVarP(&f.format, "fmt", "f", "", "output format: json, marian or text (env FMT)")
	cmd.Flags().IntVarP(&f.batchSize, "batch-size", "b", 0, "sentences per decoder batch (env BATCH_SIZE)")
	cmd.Flags().BoolVar(&f.nBest, "n-best", false, "output beam-size translations per sentence (env NBEST)")
	cmd.Flags().BoolVar(&f.nBestWords, "n-best-words", false, "decoder emits per-token alternatives (env NBEST_WORDS)")
}

func (f *translateFlags) apply(cfg *config.Config) error {
	if f.srcLang != "" {
		cfg.SrcLang = f.srcLang
	}
	if f.tgtLang != "" {
		cfg.TgtLang = f.tgtLang
	}
	if f.system != "" {
		cfg.System = f.system
	}
	if f.format != "" {
		cfg.Format = f.format
	}
	if f.batchSize > 0 {
		cfg.BatchSize = f.batchSize
	}
	if f.nBest {
		cfg.NBest = true
	}
	if f.nBestWords {
		cfg.NBestWords = true
	}
	if !pipeline.ValidFormat(cfg.Format) {
		return fmt.Errorf("unknown output format %q", cfg.Format)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newTranslateCmd() *cobra.Command {
	var flags translateFlags
	cmd := &cobra.Command{
		Use:   "translate [-- extra marian args]",
		Short: "Translate stdin to stdout through a decoder subprocess",
		Long: `Translate newline-delimited utf-8 text from stdin to stdout.

Spawns marian-decoder for the selected system, preprocesses and batches
the input, and streams collated translations while the decoder works.
Arguments after -- are passed to marian verbatim.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := flags.apply(&cfg); err != nil {
				return err
			}

			settings, err := config.Resolve(cfg, false, args)
			if err != nil {
				return err
			}
			proc, err := textproc.NewPipeline(settings.Processors, cfg.SrcLang, cfg.TgtLang)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			dec, err := pipeline.StartSubprocess(ctx, settings.Cmd, os.Stderr)
			if err != nil {
				return err
			}
			return pipeline.Run(dec, os.Stdin, os.Stdout, pipeline.Options{
				Processor:   proc,
				BatchSize:   settings.BatchSize,
				MaxTokens:   settings.MaxSentenceLength,
				NBest:       settings.NBest,
				NBestWords:  settings.NBestWords,
				Format:      settings.Format,
				ExtractTags: settings.ExtractTags,
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newTranslateFolderCmd() *cobra.Command {
	var flags translateFlags
	var keepTmp bool
	cmd := &cobra.Command{
		Use:   "translate-folder <input-dir> <output-dir> [-- extra marian args]",
		Short: "Translate a directory tree of text files in one pass",
		Long: `Translate every utf-8 text file under input-dir into output-dir,
mirroring the directory structure. All files are translated by a single
decoder invocation; decoder progress is logged to <output-dir>/tmp/marian.log.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := flags.apply(&cfg); err != nil {
				return err
			}

			settings, err := config.Resolve(cfg, false, args[2:])
			if err != nil {
				return err
			}
			proc, err := textproc.NewPipeline(settings.Processors, cfg.SrcLang, cfg.TgtLang)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			logInfo("Translating %s -> %s (system %s)", args[0], args[1], settings.System)
			t := &folder.Translator{
				Cmd:         settings.Cmd,
				Processor:   proc,
				Workers:     cfg.CPUCount,
				MaxTokens:   settings.MaxSentenceLength,
				NBest:       settings.NBest,
				NBestWords:  settings.NBestWords,
				Format:      settings.Format,
				ExtractTags: settings.ExtractTags,
				KeepTmp:     keepTmp || !cfg.Purge,
			}
			if err := t.Run(ctx, args[0], args[1]); err != nil {
				return err
			}
			logSuccess("Translated %s -> %s", args[0], args[1])
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&keepTmp, "keep-tmp", false, "keep the tmp working directory for debugging")
	return cmd
}

func newMuxDemuxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mux-demux <input-dir> <output-dir> <command> [args...]",
		Short: "Stream a directory tree through any line filter",
		Long: `Concatenate every file under input-dir into the command's stdin and
split its stdout back into files under output-dir with the same
directory structure. The command must emit one output line per input line.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return folder.MuxDemux(ctx, args[0], args[1], args[2:])
		},
	}
}
