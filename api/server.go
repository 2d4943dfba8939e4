// Package api exposes the library over a JSON HTTP interface.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"shelfcheck/library"
)

// Library is the set of core operations the HTTP layer routes to.
type Library interface {
	Signup(ctx context.Context, username, email, password string) (*library.User, error)
	Login(ctx context.Context, username, password string) (*library.User, error)
	ListCatalog(ctx context.Context, filter string) ([]library.CatalogSection, error)
	AddBook(ctx context.Context, actor library.Identity, title, author, category string, copies int) (*library.Book, error)
	EditBook(ctx context.Context, actor library.Identity, id int64, title, author, category string) (*library.Book, error)
	DeleteBook(ctx context.Context, actor library.Identity, id int64) error
	Borrow(ctx context.Context, actor library.Identity, bookID int64, due time.Time) (*library.BorrowTransaction, error)
	Return(ctx context.Context, actor library.Identity, borrowID int64) error
	MyLoans(ctx context.Context, actor library.Identity) ([]*library.Loan, error)
	Dashboard(ctx context.Context, actor library.Identity, filter string) (*library.Dashboard, error)
	Health(ctx context.Context) error
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error { return r.v.Struct(i) }

// Handler holds the dependencies of the route handlers.
type Handler struct {
	lib    Library
	tokens *Tokens
	log    *slog.Logger
}

// New builds the echo instance with middleware and routes registered.
func New(lib Library, tokens *Tokens, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Validator = &requestValidator{v: validator.New()}

	registerMiddlewares(e, log)

	h := &Handler{lib: lib, tokens: tokens, log: log}
	h.register(e)
	return e
}

func (h *Handler) register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/health/db", h.HealthDB)

	v1 := e.Group("/v1")
	v1.POST("/users/signup", h.Signup)
	v1.POST("/users/login", h.Login)
	v1.GET("/books", h.ListBooks)

	v1.POST("/loans", h.Borrow, h.requireAuth)
	v1.POST("/loans/:id/return", h.Return, h.requireAuth)
	v1.GET("/loans/me", h.MyLoans, h.requireAuth)

	admin := e.Group("/v1/admin", h.requireAuth)
	admin.POST("/books", h.AddBook)
	admin.PUT("/books/:id", h.EditBook)
	admin.DELETE("/books/:id", h.DeleteBook)
	admin.GET("/dashboard", h.Dashboard)
}
