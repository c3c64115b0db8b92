package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/EdinburghNLP/material-edinmt/internal/marian"
	"github.com/EdinburghNLP/material-edinmt/internal/retag"
	"github.com/EdinburghNLP/material-edinmt/internal/textproc"
)

// Decoder is the in-flight decoder session the engine feeds and drains.
// Stdin is owned exclusively by the feeder, Stdout exclusively by the
// drainer. Wait reports ExitError when the decoder exits non-zero.
type Decoder interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
}

// Options configures one translate session.
type Options struct {
	Processor   textproc.Processor // nil for raw pass-through
	BatchSize   int                // logical units per batch, default 1
	MaxTokens   int                // token budget per physical line
	NBest       int                // ranked translations per physical line
	NBestWords  bool               // alternative-token decoder output
	Format      string             // json, marian or text
	ExtractTags bool               // placeholder-protect URLs/emails/tags
}

func (o *Options) batchSize() int {
	if o.BatchSize < 1 {
		return 1
	}
	return o.BatchSize
}

func (o *Options) nBest() int {
	if o.NBest < 1 {
		return 1
	}
	return o.NBest
}

// batchMeta is the per-batch handoff from feeder to drainer. The number
// of physical lines written for the batch is len(trueIDs), and the
// drainer must consume exactly that many parser slots before touching
// the next batch. Indices are batch-local; the drainer restores global
// numbering.
type batchMeta struct {
	count   int // logical units in the batch
	empties map[int]bool
	trueIDs []int
	tagged  map[int][]retag.Tag
}

// Run translates newline-delimited text from in to formatted records on
// out, through the decoder session d. A feeder goroutine preprocesses,
// wraps and writes batches while the drainer concurrently parses,
// collates and writes output; the two stay in lockstep through an
// ordered metadata channel whose close signals end of input. The only
// backpressure between them is the decoder's own pipe buffers.
//
// If the decoder exits non-zero the returned error wraps ExitError;
// output for batches already drained has been flushed and stays put.
func Run(d Decoder, in io.Reader, out io.Writer, opts Options) error {
	metaCh := make(chan batchMeta, 64)
	drainDone := make(chan struct{})

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feed(in, d.Stdin(), metaCh, drainDone, opts)
	}()

	drainErr := drain(out, d.Stdout(), metaCh, opts)
	close(drainDone)
	if drainErr != nil {
		// The feeder may be blocked mid-write with the decoder's
		// output backing up against a drainer that is gone. Close
		// stdin to unblock it, then run the remaining output down to
		// EOF so the decoder can exit and Wait can return.
		d.Stdin().Close()
		io.Copy(io.Discard, d.Stdout())
	}
	feedErr := <-feedDone
	waitErr := d.Wait()

	if drainErr != nil {
		return drainErr
	}
	if feedErr != nil {
		return feedErr
	}
	return waitErr
}

var errDrainStopped = errors.New("output drain stopped before end of input")

// feed reads logical lines, records empties, extracts tags, wraps long
// lines and writes batches to the decoder. It always closes both the
// metadata channel and the decoder's stdin, even on failure, so the
// drainer and the decoder can run down instead of hanging. drainDone
// closing means the drainer has returned and the feeder must stop
// instead of queueing batches nobody will consume.
func feed(in io.Reader, stdin io.WriteCloser, metaCh chan<- batchMeta, drainDone <-chan struct{}, opts Options) (err error) {
	defer close(metaCh)
	defer func() {
		if cerr := stdin.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing decoder stdin: %w", cerr)
		}
	}()

	var (
		buf     bytes.Buffer
		empties = make(map[int]bool)
		tagged  = make(map[int][]retag.Tag)
		trueIDs []int
		j       int // batch-local logical index
	)
	flush := func() error {
		if _, werr := stdin.Write(buf.Bytes()); werr != nil {
			return fmt.Errorf("writing to decoder: %w", werr)
		}
		select {
		case metaCh <- batchMeta{count: j, empties: empties, trueIDs: trueIDs, tagged: tagged}:
		case <-drainDone:
			return errDrainStopped
		}
		buf.Reset()
		empties = make(map[int]bool)
		tagged = make(map[int][]retag.Tag)
		trueIDs = nil
		j = 0
		return nil
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())

		if text == "" {
			empties[j] = true
		}
		if opts.ExtractTags {
			var tags []retag.Tag
			text, tags = retag.Extract(text)
			if len(tags) > 0 {
				tagged[j] = tags
			}
		}

		var before, after func(string) string
		if opts.Processor != nil {
			before = opts.Processor.PreprocessBeforeWrap
			after = opts.Processor.PreprocessAfterWrap
		}
		wrapped, n := textproc.Wrap(text, opts.MaxTokens, before, after)
		if n > 1 {
			log.Debug().Int("unit", j).Int("pieces", n).Msg("long line split")
		}
		for k := 0; k < n; k++ {
			trueIDs = append(trueIDs, j)
		}
		buf.WriteString(wrapped)
		buf.WriteByte('\n')
		j++

		if j == opts.batchSize() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if serr := sc.Err(); serr != nil {
		return fmt.Errorf("reading input: %w", serr)
	}
	if j > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}

// drain consumes exactly the parser slots each queued batch accounts
// for, collates them back into logical units and writes formatted
// records. Output ids are global: batch-local ids are offset by the
// number of logical units already written.
func drain(out io.Writer, stdout io.Reader, metaCh <-chan batchMeta, opts Options) error {
	p := marian.NewParser(stdout)
	w := bufio.NewWriter(out)
	defer w.Flush()

	var post func(string) string
	if opts.Processor != nil {
		post = opts.Processor.Postprocess
	}

	base := 0 // logical units written so far
	for meta := range metaCh {
		var (
			recs []marian.Record
			err  error
		)
		if opts.NBestWords {
			recs, err = p.ParseNBestWords(len(meta.trueIDs), opts.nBest())
		} else {
			recs, err = p.Parse(len(meta.trueIDs), opts.nBest())
		}
		if err != nil {
			return err
		}

		items, err := Unwrap(recs, meta.trueIDs, UnwrapOptions{
			Postprocess: post,
			Empties:     meta.empties,
			Tagged:      meta.tagged,
			NBest:       opts.nBest(),
			Expand:      true,
		})
		if err != nil {
			return err
		}

		for _, it := range items {
			it.ID += base
			text, err := it.Format(opts.Format)
			if err != nil {
				return err
			}
			if _, err := w.WriteString(text + "\n"); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		base += meta.count
	}
	return nil
}
