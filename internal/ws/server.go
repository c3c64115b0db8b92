// Package ws is the WebSocket front of the translation pipeline. Each
// text message on /ws/translate is one JSON request; the response is a
// stream of formatted result messages, one per translation, or a single
// error message scoped to that request.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/EdinburghNLP/material-edinmt/internal/config"
	"github.com/EdinburghNLP/material-edinmt/internal/marian"
	"github.com/EdinburghNLP/material-edinmt/internal/pipeline"
	"github.com/EdinburghNLP/material-edinmt/internal/retag"
	"github.com/EdinburghNLP/material-edinmt/internal/textproc"
)

// Request is one translation call. Query is a pointer so a present but
// empty query can be told apart from an absent one.
type Request struct {
	SrcLang string  `json:"src_lang"`
	TgtLang string  `json:"tgt_lang"`
	Text    string  `json:"text"`
	Query   *string `json:"query,omitempty"`
}

type Server struct {
	cfg      config.Config
	upgrader websocket.Upgrader

	// resolve and decode are swappable for tests
	resolve func(srcLang, tgtLang string) (config.DecoderSettings, error)
	decode  func(ctx context.Context, src string) (string, error)
}

func NewServer(cfg config.Config) *Server {
	client := &Client{URL: cfg.MarianURL}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
		resolve: func(srcLang, tgtLang string) (config.DecoderSettings, error) {
			c := cfg
			c.SrcLang = srcLang
			c.TgtLang = tgtLang
			c.System = ""
			return config.Resolve(c, false, nil)
		},
		decode: client.Translate,
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	// No read deadline here: clients may legitimately sit idle between
	// requests, and the decoder can be silent for minutes on a big one.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError(conn, "invalid json")
			continue
		}

		lines, err := s.processRequest(r.Context(), req)
		if err != nil {
			log.Debug().Err(err).Str("src", req.SrcLang).Str("tgt", req.TgtLang).Msg("request failed")
			s.sendError(conn, err.Error())
			continue
		}
		for _, line := range lines {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				log.Warn().Err(err).Msg("ws write error")
				return
			}
		}
	}
}

func (s *Server) sendError(conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Warn().Err(err).Msg("ws write error")
	}
}

// processRequest runs the whole pipeline for one request: preprocess
// and wrap, translate through the decoder server, parse, unwrap and
// format. Errors are scoped to the request, never the connection.
func (s *Server) processRequest(ctx context.Context, req Request) ([]string, error) {
	settings, err := s.resolve(req.SrcLang, req.TgtLang)
	if err != nil {
		return nil, err
	}
	proc, err := textproc.NewPipeline(settings.Processors, req.SrcLang, req.TgtLang)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(req.Text), "\n")

	var warning string
	var queries []string
	if s.cfg.Query && req.Query != nil {
		queries = strings.Split(*req.Query, "\n")
		if len(queries) != len(lines) {
			return nil, fmt.Errorf(
				"number of newline separated sentences (%d) and queries (%d) differ "+
					"(empty queries are allowed but need newlines around them to equal the number of sentences)",
				len(lines), len(queries))
		}
	} else if req.Query != nil {
		warning = fmt.Sprintf("query guided translation not supported by this model (%s), query ignored", settings.System)
		log.Debug().Msg(warning)
	}

	var (
		src     strings.Builder
		trueIDs []int
		empties = make(map[int]bool)
		tagged  = make(map[int][]retag.Tag)
	)
	for i, line := range lines {
		if line == "" {
			empties[i] = true
		}
		if settings.ExtractTags {
			var tags []retag.Tag
			line, tags = retag.Extract(line)
			if len(tags) > 0 {
				tagged[i] = tags
			}
		}
		// query processors take tab-separated input
		if queries != nil {
			line = line + "\t" + queries[i]
		}

		wrapped, n := textproc.Wrap(line, settings.MaxSentenceLength,
			proc.PreprocessBeforeWrap, proc.PreprocessAfterWrap)
		if n > 1 {
			log.Debug().Int("line", i).Int("pieces", n).Msg("long line split")
		}
		for k := 0; k < n; k++ {
			trueIDs = append(trueIDs, i)
		}
		src.WriteString(strings.TrimSpace(wrapped))
		src.WriteByte('\n')
	}

	response, err := s.decode(ctx, src.String())
	if err != nil {
		return nil, fmt.Errorf("decoder request failed: %w", err)
	}

	p := marian.NewParser(strings.NewReader(response))
	var recs []marian.Record
	if settings.NBestWords {
		recs, err = p.ParseNBestWords(0, settings.NBest)
	} else {
		recs, err = p.Parse(0, settings.NBest)
	}
	if err != nil {
		return nil, err
	}

	items, err := pipeline.Unwrap(recs, trueIDs, pipeline.UnwrapOptions{
		Postprocess: proc.Postprocess,
		Empties:     empties,
		Tagged:      tagged,
		NBest:       settings.NBest,
		Expand:      true,
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		it.Warning = warning
		text, err := it.Format(settings.Format)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, nil
}
