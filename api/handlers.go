package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"shelfcheck/library"
)

type signupReq struct {
	Username string `json:"username" validate:"required,max=80"`
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required"`
}

type loginReq struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type bookReq struct {
	Title    string `json:"title" validate:"required,max=200"`
	Author   string `json:"author" validate:"required,max=200"`
	Category string `json:"category"`
	Copies   int    `json:"copies" validate:"omitempty,gte=1"`
}

type borrowReq struct {
	BookID  int64  `json:"book_id" validate:"required,gt=0"`
	DueDate string `json:"due_date" validate:"required,datetime=2006-01-02"`
}

func bindValid(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON").SetInternal(err)
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
			"message": "validation error",
			"errors":  err.Error(),
		})
	}
	return nil
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// GET /health/db
func (h *Handler) HealthDB(c echo.Context) error {
	if err := h.lib.Health(c.Request().Context()); err != nil {
		h.log.Error("db health", "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// POST /v1/users/signup
func (h *Handler) Signup(c echo.Context) error {
	var req signupReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	u, err := h.lib.Signup(c.Request().Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return h.fail(c, "signup", err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"data": u})
}

// POST /v1/users/login
func (h *Handler) Login(c echo.Context) error {
	var req loginReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	u, err := h.lib.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return h.fail(c, "login", err)
	}
	token, exp, err := h.tokens.Issue(u.Identity())
	if err != nil {
		return h.fail(c, "issue token", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"token": token, "expires_at": exp.UTC(), "user": u})
}

// GET /v1/books?category=
func (h *Handler) ListBooks(c echo.Context) error {
	sections, err := h.lib.ListCatalog(c.Request().Context(), c.QueryParam("category"))
	if err != nil {
		return h.fail(c, "list catalog", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"data": sections})
}

// POST /v1/admin/books
func (h *Handler) AddBook(c echo.Context) error {
	req := bookReq{Copies: 1}
	if err := bindValid(c, &req); err != nil {
		return err
	}
	b, err := h.lib.AddBook(c.Request().Context(), identityFrom(c), req.Title, req.Author, req.Category, req.Copies)
	if err != nil {
		return h.fail(c, "add book", err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"data": b})
}

// PUT /v1/admin/books/:id
func (h *Handler) EditBook(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	var req bookReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	b, err := h.lib.EditBook(c.Request().Context(), identityFrom(c), id, req.Title, req.Author, req.Category)
	if err != nil {
		return h.fail(c, "edit book", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"data": b})
}

// DELETE /v1/admin/books/:id
func (h *Handler) DeleteBook(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	if err := h.lib.DeleteBook(c.Request().Context(), identityFrom(c), id); err != nil {
		return h.fail(c, "delete book", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "deleted"})
}

// GET /v1/admin/dashboard?category=
func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.lib.Dashboard(c.Request().Context(), identityFrom(c), c.QueryParam("category"))
	if err != nil {
		return h.fail(c, "dashboard", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"data": d})
}

// POST /v1/loans
func (h *Handler) Borrow(c echo.Context) error {
	var req borrowReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	due, err := library.ParseDueDate(req.DueDate)
	if err != nil {
		return h.fail(c, "borrow", err)
	}
	t, err := h.lib.Borrow(c.Request().Context(), identityFrom(c), req.BookID, due)
	if err != nil {
		return h.fail(c, "borrow", err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"data": t})
}

// POST /v1/loans/:id/return
func (h *Handler) Return(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	if err := h.lib.Return(c.Request().Context(), identityFrom(c), id); err != nil {
		return h.fail(c, "return", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "returned"})
}

// GET /v1/loans/me
func (h *Handler) MyLoans(c echo.Context) error {
	loans, err := h.lib.MyLoans(c.Request().Context(), identityFrom(c))
	if err != nil {
		return h.fail(c, "my loans", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"data": loans})
}
