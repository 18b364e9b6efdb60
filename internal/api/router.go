package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// The live endpoint stays outside the request logger, whose writer
	// cannot be hijacked.
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(logRequest(h.logger))
		r.Use(h.WithCORS)

		// Public routes
		r.Post("/auth/signup", h.HandleSignup)
		r.Post("/auth/login", h.HandleLogin)
		r.Get("/health", h.HandleHealth)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(h.WithAuth)

			r.Get("/auth/me", h.HandleMe)
			r.Get("/users", h.HandleUsers)

			r.Post("/chats/private", h.HandleGetOrCreatePrivateChat)
			r.Delete("/chats/private", h.HandleDeletePrivateChat)

			r.Post("/chats/group", h.HandleCreateGroupChat)
			r.Get("/chats/group", h.HandleGroupChats)
			r.Get("/chats/group/fetch/{chatId}", h.HandleGroupMessages)
			r.Delete("/chats/group/fetch/{chatId}", h.HandleClearGroupMessages)
			r.Get("/chats/group/fetch/{chatId}/members", h.HandleGroupMembers)
		})
	})

	return r
}
