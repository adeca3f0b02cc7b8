package app

import (
	"database/sql"
	"net/http"

	"gigchat/internal/auth"
	"gigchat/internal/config"
	"gigchat/internal/conversation"
	"gigchat/internal/events"
	"gigchat/internal/message"
	myMiddleware "gigchat/internal/middleware"
	"gigchat/internal/notification"
	"gigchat/internal/presence"
	"gigchat/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Stores are the durable backends of the messaging core.
type Stores struct {
	Conversations conversation.Store
	Messages      message.Store
	Notifications notification.Store
	LastSeen      presence.LastSeenStore
}

func MemoryStores() Stores {
	return Stores{
		Conversations: conversation.NewMemoryStore(),
		Messages:      message.NewMemoryStore(),
		Notifications: notification.NewMemoryStore(),
		LastSeen:      presence.NewMemoryLastSeen(),
	}
}

// PostgresStores keeps everything in Postgres. Last-seen times are not
// durable state and go to lastSeen, which may be Redis or memory.
func PostgresStores(conn *sql.DB, lastSeen presence.LastSeenStore) Stores {
	return Stores{
		Conversations: conversation.NewRepository(conn),
		Messages:      message.NewRepository(conn),
		Notifications: notification.NewRepository(conn),
		LastSeen:      lastSeen,
	}
}

// App is the wired service graph.
type App struct {
	Auth          *auth.Service
	Conversations *conversation.Service
	Notifications *notification.Service
	Ledger        *message.Ledger
	Relay         *message.Relay
	Gateway       *presence.Gateway
	Registry      *presence.Registry
	Query         *query.Service

	log *zap.Logger
}

func New(cfg *config.Config, stores Stores, pub events.Publisher, log *zap.Logger) *App {
	if pub == nil {
		pub = events.Nop{}
	}

	conversations := conversation.NewService(stores.Conversations, log)
	registry := presence.NewRegistry()
	gateway := presence.NewGateway(registry, stores.LastSeen, conversations, cfg.Presence, log)
	notifications := notification.NewService(stores.Notifications, gateway, pub, log)
	ledger := message.NewLedger(stores.Messages, conversations, notifications, gateway, pub, message.NewClock(nil), log)
	gateway.SetMessenger(ledger)

	return &App{
		Auth:          auth.NewService(cfg.JWT.Secret, cfg.JWT.Issuer),
		Conversations: conversations,
		Notifications: notifications,
		Ledger:        ledger,
		Relay:         message.NewRelay(ledger, cfg.Outbox, log),
		Gateway:       gateway,
		Registry:      registry,
		Query:         query.NewService(stores.Messages, ledger, conversations, log),
		log:           log,
	}
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	httpLog := a.log.Named("http")
	conversationHandler := conversation.NewHandler(a.Conversations, httpLog)
	messageHandler := message.NewHandler(a.Ledger, httpLog)
	notificationHandler := notification.NewHandler(a.Notifications, httpLog)
	presenceHandler := presence.NewHandler(a.Gateway, httpLog)
	queryHandler := query.NewHandler(a.Query, httpLog)
	authMiddleware := myMiddleware.NewAuthMiddleware(a.Auth)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.RequestLogger(httpLog))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", presenceHandler.ServeWs)
		r.Get("/api/presence/{userId}", presenceHandler.Get)

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/", messageHandler.Send)
			r.Post("/read", messageHandler.MarkRead)
			r.Get("/search", queryHandler.Search)
			r.Get("/unread-count", queryHandler.UnreadCount)
			r.Patch("/{id}", messageHandler.Edit)
			r.Delete("/{id}", messageHandler.Delete)
			r.Put("/{id}/reactions/{emoji}", messageHandler.AddReaction)
			r.Delete("/{id}/reactions/{emoji}", messageHandler.RemoveReaction)
		})

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/", conversationHandler.StartConversation)
			r.Get("/{id}", conversationHandler.Get)
			r.Get("/{id}/messages", queryHandler.History)
			r.Post("/{id}/archive", conversationHandler.Archive)
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Get("/unread-count", notificationHandler.UnreadCount)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Post("/{id}/read", notificationHandler.MarkRead)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(myMiddleware.RequireRole(auth.RoleAdmin))
			r.Post("/broadcast", presenceHandler.Broadcast)
			r.Post("/notify", notificationHandler.SendSystem)
			r.Post("/messages/{id}/attachments/scan", messageHandler.AnnotateScan)
		})
	})

	return r
}
