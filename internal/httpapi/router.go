// Package httpapi assembles every domain handler package into the
// service's HTTP surface: one chi router, bearer-auth middleware in
// front of every route except login, and a JSON content-type requirement
// on the /auth, /expenses, /autoauth, /messages and /chat routes. The
// /receipts routes (multipart upload plus JSON reject/link) and the
// read-only /reports and /channels routes carry no content-type check.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldledger/expensecore/internal/httpapi/authapi"
	"github.com/fieldledger/expensecore/internal/httpapi/autoauthapi"
	"github.com/fieldledger/expensecore/internal/httpapi/chatapi"
	"github.com/fieldledger/expensecore/internal/httpapi/expenseapi"
	"github.com/fieldledger/expensecore/internal/httpapi/intakeapi"
	"github.com/fieldledger/expensecore/internal/httpapi/messagingapi"
	"github.com/fieldledger/expensecore/internal/httpapi/reqauth"
	"github.com/fieldledger/expensecore/internal/identity"
)

// New builds the top-level HTTP handler.
func New(
	gate *identity.Gate,
	authV1 *authapi.Handler,
	expensesV1 *expenseapi.Handler,
	intakeV1 *intakeapi.Handler,
	autoauthV1 *autoauthapi.Handler,
	messagingV1 *messagingapi.Handler,
	chatV1 *chatapi.Handler,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	authMiddleware := reqauth.Middleware(gate)

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			authV1.Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Route("/expenses", func(r chi.Router) {
				r.Use(middleware.AllowContentType("application/json"))
				expensesV1.Routes(r)
			})

			r.Route("/receipts", func(r chi.Router) {
				intakeV1.Routes(r)
			})

			r.Route("/autoauth", func(r chi.Router) {
				r.Use(middleware.AllowContentType("application/json"))
				autoauthV1.RunRoutes(r)
			})

			r.Route("/reports", func(r chi.Router) {
				autoauthV1.ReportRoutes(r)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Use(middleware.AllowContentType("application/json"))
				messagingV1.MessageRoutes(r)
			})

			r.Route("/channels", func(r chi.Router) {
				messagingV1.ChannelRoutes(r)
			})

			r.Route("/chat", func(r chi.Router) {
				r.Use(middleware.AllowContentType("application/json"))
				chatV1.Routes(r)
			})
		})
	})

	return router
}
