// Package folder translates a directory tree of utf-8 text files in
// one decoder pass. Files are cleaned and tag-protected in parallel,
// concatenated into a single stream in deterministic order, wrapped,
// translated by one decoder invocation, then parsed back into per-file
// outputs under the same relative names in the output directory.
package folder

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/EdinburghNLP/material-edinmt/internal/marian"
	"github.com/EdinburghNLP/material-edinmt/internal/pipeline"
	"github.com/EdinburghNLP/material-edinmt/internal/retag"
	"github.com/EdinburghNLP/material-edinmt/internal/textproc"
)

// Translator holds the per-session knobs for bulk translation.
type Translator struct {
	Cmd         []string           // decoder argv
	Processor   textproc.Processor // nil for raw pass-through
	Workers     int                // prepare/postprocess pool size
	MaxTokens   int
	NBest       int
	NBestWords  bool
	Format      string
	ExtractTags bool
	KeepTmp     bool
}

// fileMeta carries one input file through the stages. Indices in
// empties, tagged and trueIDs are local to the file.
type fileMeta struct {
	rel     string
	lines   int
	empties map[int]bool
	tagged  map[int][]retag.Tag
	trueIDs []int
}

func (t *Translator) workers() int {
	if t.Workers < 1 {
		return 1
	}
	return t.Workers
}

func (t *Translator) nBest() int {
	if t.NBest < 1 {
		return 1
	}
	return t.NBest
}

// Run translates every file under inputDir into outputDir, mirroring
// the directory structure. The working directory <outputDir>/tmp is
// removed on success unless KeepTmp is set.
func (t *Translator) Run(ctx context.Context, inputDir, outputDir string) error {
	tmpDir := filepath.Join(outputDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}

	files, err := listFiles(inputDir)
	if err != nil {
		return err
	}
	log.Info().Int("files", len(files)).Str("input", inputDir).Msg("preparing files")

	metas, err := t.prepare(inputDir, tmpDir, files)
	if err != nil {
		return err
	}

	srcPath := filepath.Join(tmpDir, "tmp.src")
	if err := t.wrap(tmpDir, srcPath, metas); err != nil {
		return err
	}

	tgtPath := filepath.Join(tmpDir, "tmp.tgt")
	logPath := filepath.Join(tmpDir, "marian.log")
	if err := t.translate(ctx, srcPath, tgtPath, logPath); err != nil {
		return err
	}

	if err := t.collect(tgtPath, outputDir, metas); err != nil {
		return err
	}

	if !t.KeepTmp {
		log.Info().Msg("cleaning up")
		if err := os.RemoveAll(tmpDir); err != nil {
			return err
		}
	}
	return nil
}

// listFiles returns the relative paths of all regular files under dir,
// sorted. The same order drives concatenation and demultiplexing.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// prepare cleans each input file into <tmpDir>/<rel>.rdy and records
// line counts, empties and extracted tags. Files are independent, so
// the work runs on a bounded pool.
func (t *Translator) prepare(inputDir, tmpDir string, files []string) ([]*fileMeta, error) {
	metas := make([]*fileMeta, len(files))
	errs := make([]error, len(files))

	var wg sync.WaitGroup
	sem := make(chan struct{}, t.workers())
	for i, rel := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rel string) {
			defer wg.Done()
			defer func() { <-sem }()
			metas[i], errs[i] = t.prepareFile(inputDir, tmpDir, rel)
		}(i, rel)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return metas, nil
}

func (t *Translator) prepareFile(inputDir, tmpDir, rel string) (*fileMeta, error) {
	in, err := os.Open(filepath.Join(inputDir, rel))
	if err != nil {
		return nil, err
	}
	defer in.Close()

	rdyPath := filepath.Join(tmpDir, rel+".rdy")
	if err := os.MkdirAll(filepath.Dir(rdyPath), 0o755); err != nil {
		return nil, err
	}
	out, err := os.Create(rdyPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	meta := &fileMeta{
		rel:     rel,
		empties: make(map[int]bool),
		tagged:  make(map[int][]retag.Tag),
	}
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for j := 0; sc.Scan(); j++ {
		line := cleanLine(sc.Text())
		if line == "" {
			meta.empties[j] = true
		}
		if t.ExtractTags {
			var tags []retag.Tag
			line, tags = retag.Extract(line)
			if len(tags) > 0 {
				meta.tagged[j] = tags
			}
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return nil, err
		}
		meta.lines++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return meta, out.Close()
}

// Stray carriage returns come back from the decoder as fake newlines
// and break the line accounting, so they go, along with NULs and BOMs.
func cleanLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\uFEFF", "")
	return strings.TrimSpace(s)
}

// wrap concatenates the prepared files in order into one decoder input
// file, splitting over-budget lines and recording per-file trueIDs.
func (t *Translator) wrap(tmpDir, srcPath string, metas []*fileMeta) error {
	out, err := os.Create(srcPath)
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	var before, after func(string) string
	if t.Processor != nil {
		before = t.Processor.PreprocessBeforeWrap
		after = t.Processor.PreprocessAfterWrap
	}

	for _, meta := range metas {
		in, err := os.Open(filepath.Join(tmpDir, meta.rel+".rdy"))
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for j := 0; sc.Scan(); j++ {
			text, n := textproc.Wrap(sc.Text(), t.MaxTokens, before, after)
			for k := 0; k < n; k++ {
				meta.trueIDs = append(meta.trueIDs, j)
			}
			if _, err := w.WriteString(strings.TrimSpace(text) + "\n"); err != nil {
				in.Close()
				return err
			}
		}
		if err := sc.Err(); err != nil {
			in.Close()
			return fmt.Errorf("wrapping %s: %w", meta.rel, err)
		}
		in.Close()
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Close()
}

// translate runs the decoder once over the whole concatenated file.
// Decoder stderr goes to logPath so progress can be watched there.
func (t *Translator) translate(ctx context.Context, srcPath, tgtPath, logPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	tgt, err := os.Create(tgtPath)
	if err != nil {
		return err
	}
	defer tgt.Close()
	stderr, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer stderr.Close()

	log.Info().Strs("cmd", t.Cmd).Str("log", logPath).Msg("translating")
	cmd := exec.CommandContext(ctx, t.Cmd[0], t.Cmd[1:]...)
	cmd.Stdin = src
	cmd.Stdout = tgt
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if xerr, ok := err.(*exec.ExitError); ok {
			return &pipeline.ExitError{Code: xerr.ExitCode()}
		}
		return fmt.Errorf("running decoder: %w", err)
	}
	return nil
}

// collect parses the decoder output back into per-file record sets,
// reading sequentially in concatenation order, then unwraps and writes
// the final files on the worker pool.
func (t *Translator) collect(tgtPath, outputDir string, metas []*fileMeta) error {
	in, err := os.Open(tgtPath)
	if err != nil {
		return err
	}
	defer in.Close()

	p := marian.NewParser(in)
	records := make([][]marian.Record, len(metas))
	for i, meta := range metas {
		if t.NBestWords {
			records[i], err = p.ParseNBestWords(len(meta.trueIDs), t.nBest())
		} else {
			records[i], err = p.Parse(len(meta.trueIDs), t.nBest())
		}
		if err != nil {
			return fmt.Errorf("parsing output for %s: %w", meta.rel, err)
		}
	}

	var post func(string) string
	if t.Processor != nil {
		post = t.Processor.Postprocess
	}

	errs := make([]error, len(metas))
	var wg sync.WaitGroup
	sem := make(chan struct{}, t.workers())
	for i, meta := range metas {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, meta *fileMeta) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = t.writeFile(outputDir, meta, records[i], post)
		}(i, meta)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Translator) writeFile(outputDir string, meta *fileMeta, recs []marian.Record, post func(string) string) error {
	items, err := pipeline.Unwrap(recs, meta.trueIDs, pipeline.UnwrapOptions{
		Postprocess: post,
		Empties:     meta.empties,
		Tagged:      meta.tagged,
		NBest:       t.nBest(),
		Expand:      true,
	})
	if err != nil {
		return fmt.Errorf("unwrapping %s: %w", meta.rel, err)
	}

	outPath := filepath.Join(outputDir, meta.rel)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for _, it := range items {
		text, err := it.Format(t.Format)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(text + "\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Close()
}
