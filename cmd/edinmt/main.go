// Command edinmt is a translation pipeline around the marian neural MT
// decoder.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/EdinburghNLP/material-edinmt/internal/pipeline"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	infoTag  = color.New(color.FgBlue).Sprint("[INFO]")
	okTag    = color.New(color.FgGreen).Sprint("[OK]")
	errorTag = color.New(color.FgRed).Sprint("[ERROR]")
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, infoTag+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, okTag+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, errorTag+" "+format+"\n", args...)
}

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edinmt",
		Short: "Translation pipeline around the marian decoder",
		Long: `edinmt wraps a marian neural MT decoder into a translation pipeline.

Wraps pre-/post-processing, long-line splitting, tag protection and
output parsing around a marian-decoder subprocess or a marian-server
instance.

Commands:
  translate         Translate stdin to stdout through a decoder subprocess
  translate-folder  Translate a directory tree of text files in one pass
  serve             Run the WebSocket pipeline server
  mux-demux         Stream a directory tree through any line filter`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
			lvl := zerolog.InfoLevel
			v := logLevel
			if v == "" {
				v = os.Getenv("LOG_LEVEL")
			}
			if v != "" {
				if l, err := zerolog.ParseLevel(v); err == nil {
					lvl = l
				}
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newTranslateCmd(),
		newTranslateFolderCmd(),
		newServeCmd(),
		newMuxDemuxCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		var xerr *pipeline.ExitError
		if errors.As(err, &xerr) {
			os.Exit(xerr.Code)
		}
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edinmt version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}
