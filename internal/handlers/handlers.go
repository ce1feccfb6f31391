package handlers

import (
	"log/slog"
	"net/http"

	"github.com/clusterdesk/clustercall/internal/config"
	"github.com/clusterdesk/clustercall/internal/push"
	"github.com/clusterdesk/clustercall/internal/relay"
	"github.com/clusterdesk/clustercall/internal/store"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type Handlers struct {
	config     *config.Config
	db         *gorm.DB
	calls      *store.CallStore
	hub        *relay.Hub
	pusher     *push.Notifier
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
}

func New(cfg *config.Config, db *gorm.DB, calls *store.CallStore, hub *relay.Hub, pusher *push.Notifier, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config: cfg,
		db:     db,
		calls:  calls,
		hub:    hub,
		pusher: pusher,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}
