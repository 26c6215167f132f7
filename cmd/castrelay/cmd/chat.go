package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/browsercast/castrelay/internal/chat"
	"github.com/browsercast/castrelay/internal/config"
	internalhttp "github.com/browsercast/castrelay/internal/http"
	"github.com/browsercast/castrelay/internal/http/handlers"
	"github.com/browsercast/castrelay/internal/observability"
	"github.com/browsercast/castrelay/internal/version"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run the live chat relay",
	Long: `Run the room based chat relay that sits next to each stream page.

Clients connect a WebSocket to chat.path (default /chat/), join a room and
post messages that are broadcast to everyone else in the room.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServices(cmd.Context(), newChatService)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().Int("port", 3002, "Port to listen on")
	mustBindPFlag("chat.port", chatCmd.Flags().Lookup("port"))
}

func newChatService(_ context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	logger = observability.WithComponent(logger, "chat")

	hub := chat.NewHub(logger)

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server, cfg.Chat.Port), logger, "castrelay chat", version.Short())
	handlers.NewHealthHandler(version.Short()).
		WithSessionCounter(hub.Clients).
		Register(server.API())
	chat.NewHandler(hub, logger).RegisterChiRoutes(server.Router(), cfg.Chat.Path)

	return &service{
		name:   "chat",
		server: server,
		stop: func(context.Context) error {
			hub.Close()
			return nil
		},
	}, nil
}
