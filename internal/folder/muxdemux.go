package folder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/EdinburghNLP/material-edinmt/internal/pipeline"
)

// fileCount tracks one muxed file: its relative name and how many
// lines of subprocess output belong to it.
type fileCount struct {
	rel   string
	lines int
}

// MuxDemux streams every file under inputDir through the subprocess
// argv, line for line, and splits the output back into files under
// outputDir with the same directory structure. The subprocess must
// emit exactly one output line per input line.
func MuxDemux(ctx context.Context, inputDir, outputDir string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("muxdemux: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("muxdemux: starting %s: %w", argv[0], err)
	}

	counts := make(chan fileCount, 64)
	muxDone := make(chan error, 1)
	go func() {
		muxDone <- mux(inputDir, stdin, counts)
	}()

	demuxErr := demux(outputDir, stdout, counts)
	muxErr := <-muxDone

	waitErr := cmd.Wait()
	if demuxErr != nil {
		return demuxErr
	}
	if muxErr != nil {
		return muxErr
	}
	if waitErr != nil {
		if xerr, ok := waitErr.(*exec.ExitError); ok {
			return &pipeline.ExitError{Code: xerr.ExitCode()}
		}
		return waitErr
	}
	return nil
}

// mux writes the files to the subprocess in sorted order and announces
// each on counts. Closing counts signals the demuxer; closing stdin
// signals the subprocess.
func mux(inputDir string, stdin io.WriteCloser, counts chan<- fileCount) (err error) {
	defer close(counts)
	defer func() {
		if cerr := stdin.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	files, err := listFiles(inputDir)
	if err != nil {
		return err
	}
	for _, rel := range files {
		in, err := os.Open(filepath.Join(inputDir, rel))
		if err != nil {
			return err
		}
		n := 0
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			if _, err := stdin.Write(append(sc.Bytes(), '\n')); err != nil {
				in.Close()
				return fmt.Errorf("muxdemux: writing %s: %w", rel, err)
			}
			n++
		}
		if err := sc.Err(); err != nil {
			in.Close()
			return fmt.Errorf("muxdemux: reading %s: %w", rel, err)
		}
		in.Close()
		counts <- fileCount{rel: rel, lines: n}
		log.Debug().Str("file", rel).Int("lines", n).Msg("muxed")
	}
	return nil
}

// demux reads exactly the announced number of output lines per file
// and writes them under outputDir.
func demux(outputDir string, stdout io.Reader, counts <-chan fileCount) error {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for fc := range counts {
		outPath := filepath.Join(outputDir, fc.rel)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		out, err := os.Create(outPath)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(out)
		for i := 0; i < fc.lines; i++ {
			if !sc.Scan() {
				out.Close()
				if err := sc.Err(); err != nil {
					return fmt.Errorf("muxdemux: reading output for %s: %w", fc.rel, err)
				}
				return fmt.Errorf("muxdemux: output ended %d lines short for %s", fc.lines-i, fc.rel)
			}
			w.Write(sc.Bytes())
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}
