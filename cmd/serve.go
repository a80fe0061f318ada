package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"comfytask/internal/api"
	"comfytask/internal/config"
	"comfytask/internal/infra/comfy"
	"comfytask/internal/infra/taskstore"
	"comfytask/internal/notify"
	"comfytask/internal/ports"
	"comfytask/internal/relay"
	"comfytask/internal/uploader"
	"comfytask/internal/usecase"
	"comfytask/internal/workflow"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the engine event relay",
		Run: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store := taskstore.New(cfg.Redis, cfg.Task.TTL)
			if err := store.Ping(ctx); err != nil {
				log.Fatal().Msgf("failed to connect to redis, err: %v", err.Error())
			}

			engine := comfy.New(cfg.Comfy)
			registry := workflow.NewRegistry(cfg.Workflows.Dir)
			notifier := notify.NewWebhook(cfg.Webhook)

			var artifacts ports.ArtifactUploader
			if cfg.Storage.Enabled {
				up, err := uploader.New(ctx, cfg.Storage)
				if err != nil {
					log.Fatal().Msgf("failed to set up artifact storage, err: %v", err.Error())
				}
				artifacts = up
			}

			wsURL := cfg.Comfy.WebsocketURL(engine.ClientID())
			log.Info().Msgf("relay connecting to engine at %s", wsURL)
			eventRelay := relay.New(relay.Dial(wsURL), store, engine, artifacts, notifier, relay.Options{})
			go eventRelay.Run(ctx)

			dispatcher := &usecase.Dispatcher{
				Store:         store,
				Workflows:     registry,
				Engine:        engine,
				Notifier:      notifier,
				SubmitTimeout: cfg.Comfy.SubmitTimeout,
			}

			server := api.NewServer(store, dispatcher, registry)
			server.Run(port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
