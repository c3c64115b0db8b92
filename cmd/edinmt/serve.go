package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/EdinburghNLP/material-edinmt/internal/config"
	serverhttp "github.com/EdinburghNLP/material-edinmt/internal/http"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket pipeline server",
		Long: `Run the pipeline server. Clients connect to /ws/translate and send
one JSON request per message:

  {"src_lang": "xx", "tgt_lang": "yy", "text": "sent0\nsent1", "query": "..."}

Each translation comes back as its own message. Requests are translated
through the marian-server instance at the MARIAN url.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if host != "" {
				cfg.PipelineHost = host
			}
			if port > 0 {
				cfg.PipelinePort = port
			}

			addr := fmt.Sprintf("%s:%d", cfg.PipelineHost, cfg.PipelinePort)
			srv := &http.Server{
				Addr:              addr,
				Handler:           serverhttp.NewRouter(cfg),
				ReadHeaderTimeout: 10 * time.Second,
			}

			log.Info().Str("addr", addr).Str("marian", cfg.MarianURL).Msg("pipeline server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (env PIPELINE_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (env PIPELINE_PORT)")
	return cmd
}
