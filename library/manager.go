package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MaxLoanDays is the longest loan a borrower may ask for.
	MaxLoanDays = 14
	// DueDateLayout is the accepted due date format.
	DueDateLayout = "2006-01-02"

	maxClaimAttempts = 5
	maxCopies        = 500
	maxTitleLen      = 200
	maxUsernameLen   = 80
	maxEmailLen      = 120
)

// LibraryManager runs the borrow, return and catalog workflows. Each
// workflow is one database transaction; a failure leaves no partial state.
type LibraryManager struct {
	db      *Database
	log     *slog.Logger
	now     func() time.Time
	isbn    func() string
	cost    int
	meter   metric.Meter
	metrics *metrics
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *LibraryManager) { m.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *LibraryManager) { m.now = now } }

// WithISBNGenerator replaces RandomISBN.
func WithISBNGenerator(gen func() string) Option { return func(m *LibraryManager) { m.isbn = gen } }

// WithPasswordCost sets the bcrypt cost for new password hashes.
func WithPasswordCost(cost int) Option { return func(m *LibraryManager) { m.cost = cost } }

// WithMeter sets the meter for circulation metrics. Defaults to the global
// MeterProvider.
func WithMeter(meter metric.Meter) Option { return func(m *LibraryManager) { m.meter = meter } }

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	lm, err := NewLibraryManagerWithDatabase(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return lm, nil
}

// NewLibraryManagerWithDatabase wraps an already opened Database.
func NewLibraryManagerWithDatabase(db *Database, opts ...Option) (*LibraryManager, error) {
	lm := &LibraryManager{
		db:   db,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:  time.Now,
		isbn: RandomISBN,
		cost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.meter == nil {
		lm.meter = otel.Meter("shelfcheck/library")
	}
	m, err := newMetrics(lm.meter, db.Stats)
	if err != nil {
		return nil, err
	}
	lm.metrics = m
	return lm, nil
}

// Close unregisters metrics and closes the underlying database.
func (lm *LibraryManager) Close() error {
	if err := lm.metrics.close(); err != nil {
		lm.log.Warn("unregister metrics", "err", err)
	}
	return lm.db.Close()
}

// Database exposes the store for read-only tooling.
func (lm *LibraryManager) Database() *Database { return lm.db }

// Health checks store connectivity.
func (lm *LibraryManager) Health(ctx context.Context) error {
	if err := lm.db.Ping(ctx); err != nil {
		return operationError("database unreachable", err)
	}
	return nil
}

// ------------------ Accounts ------------------

// Signup registers a regular user.
func (lm *LibraryManager) Signup(ctx context.Context, username, email, password string) (*User, error) {
	return lm.createUser(ctx, username, email, password, RoleUser)
}

// CreateAdmin registers an administrator. It is only reachable from
// operator tooling.
func (lm *LibraryManager) CreateAdmin(ctx context.Context, username, email, password string) (*User, error) {
	return lm.createUser(ctx, username, email, password, RoleAdmin)
}

func (lm *LibraryManager) createUser(ctx context.Context, username, email, password string, role Role) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if username == "" || email == "" || password == "" {
		return nil, newError(CodeValidation, "all fields are required")
	}
	if len(username) > maxUsernameLen || len(email) > maxEmailLen {
		return nil, newError(CodeValidation, "username or email too long")
	}
	if !strings.Contains(email, "@") {
		return nil, newError(CodeValidation, "invalid email address")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, newError(CodeValidation, "password too long")
	}
	if err != nil {
		return nil, operationError("failed to create user", err)
	}

	u, err := lm.db.CreateUser(ctx, username, email, string(hash), role)
	if err != nil {
		return nil, operationError("failed to create user", err)
	}
	lm.log.Info("user created", "user_id", u.ID, "role", u.Role)
	return u, nil
}

// Login verifies credentials and returns the account.
func (lm *LibraryManager) Login(ctx context.Context, username, password string) (*User, error) {
	u, err := lm.db.GetUserByUsername(ctx, strings.TrimSpace(username))
	if CodeOf(err) == CodeNotFound {
		return nil, newError(CodeAuth, "invalid username or password")
	}
	if err != nil {
		return nil, operationError("login failed", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, newError(CodeAuth, "invalid username or password")
	}
	return u, nil
}

// Identity returns the core identity of the account.
func (u *User) Identity() Identity { return Identity{UserID: u.ID, Role: u.Role} }

func requireUser(actor Identity) error {
	if actor.UserID <= 0 {
		return newError(CodeAuth, "authentication required")
	}
	return nil
}

func requireAdmin(actor Identity) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return newError(CodeForbidden, "admin access required")
	}
	return nil
}

// ------------------ Catalog ------------------

// ListCatalog groups books by category, sorted by category label. A filter
// naming a category with no books falls back to the full catalog.
func (lm *LibraryManager) ListCatalog(ctx context.Context, filter string) ([]CatalogSection, error) {
	filter = strings.TrimSpace(filter)
	books, err := lm.db.ListBooks(ctx, filter)
	if err != nil {
		return nil, operationError("failed to load catalog", err)
	}
	if filter != "" && len(books) == 0 {
		if books, err = lm.db.ListBooks(ctx, ""); err != nil {
			return nil, operationError("failed to load catalog", err)
		}
	}
	return groupByCategory(books), nil
}

func groupByCategory(books []*Book) []CatalogSection {
	idx := map[string]int{}
	sections := []CatalogSection{}
	for _, b := range books {
		label := b.Category.Label()
		i, ok := idx[label]
		if !ok {
			i = len(sections)
			idx[label] = i
			sections = append(sections, CatalogSection{Category: label})
		}
		sections[i].Books = append(sections[i].Books, b)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Category < sections[j].Category })
	return sections
}

// GetBook fetches a single book.
func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	b, err := lm.db.GetBook(ctx, id)
	if err != nil {
		return nil, operationError("failed to load book", err)
	}
	return b, nil
}

func validateBook(title, author, category string) (string, string, Category, error) {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)
	if title == "" || author == "" {
		return "", "", "", newError(CodeValidation, "title and author are required")
	}
	if len(title) > maxTitleLen || len(author) > maxTitleLen {
		return "", "", "", newError(CodeValidation, "title or author too long")
	}
	c, err := ParseCategory(category)
	if err != nil {
		return "", "", "", err
	}
	return title, author, c, nil
}

// AddBook creates a book with copies available copies.
func (lm *LibraryManager) AddBook(ctx context.Context, actor Identity, title, author, category string, copies int) (*Book, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	title, author, c, err := validateBook(title, author, category)
	if err != nil {
		return nil, err
	}
	if copies < 1 || copies > maxCopies {
		return nil, newError(CodeValidation, fmt.Sprintf("number of copies must be between 1 and %d", maxCopies))
	}

	b, err := lm.db.AddBook(ctx, NewBook{Title: title, Author: author, Category: c, Copies: copies}, lm.isbn)
	if err != nil {
		err = operationError("failed to add book", err)
		lm.logFailure("add book", err)
		return nil, err
	}
	lm.log.Info("book added", "book_id", b.ID, "isbn", b.ISBN, "copies", copies, "by", actor.UserID)
	return b, nil
}

// EditBook updates title, author and category.
func (lm *LibraryManager) EditBook(ctx context.Context, actor Identity, id int64, title, author, category string) (*Book, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	title, author, c, err := validateBook(title, author, category)
	if err != nil {
		return nil, err
	}
	if err := lm.db.EditBook(ctx, id, title, author, c); err != nil {
		err = operationError("failed to update book", err)
		lm.logFailure("edit book", err)
		return nil, err
	}
	lm.log.Info("book updated", "book_id", id, "by", actor.UserID)
	return lm.GetBook(ctx, id)
}

// DeleteBook removes a book together with its copies and their loans.
func (lm *LibraryManager) DeleteBook(ctx context.Context, actor Identity, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	res, err := lm.db.DeleteBook(ctx, id)
	if err != nil {
		err = operationError("failed to remove book", err)
		lm.logFailure("delete book", err)
		return err
	}
	lm.log.Info("book removed", "book_id", id, "copies", res.Copies, "loans", res.Loans, "by", actor.UserID)
	return nil
}

// ------------------ Circulation ------------------

// ParseDueDate parses a YYYY-MM-DD due date.
func ParseDueDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DueDateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, newError(CodeValidation, "invalid date format")
	}
	return t, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// validateDueDate returns the due day if it lies between today and
// today+MaxLoanDays inclusive.
func validateDueDate(due, now time.Time) (time.Time, error) {
	if due.IsZero() {
		return time.Time{}, newError(CodeValidation, "due date is required")
	}
	today := startOfDay(now)
	day := startOfDay(due)
	if day.Before(today) {
		return time.Time{}, newError(CodeValidation, "due date cannot be in the past")
	}
	if day.After(today.AddDate(0, 0, MaxLoanDays)) {
		return time.Time{}, newError(CodeValidation, "due date cannot exceed 2 weeks from today")
	}
	return day, nil
}

// Borrow lends one available copy of the book to the caller.
func (lm *LibraryManager) Borrow(ctx context.Context, actor Identity, bookID int64, due time.Time) (t *BorrowTransaction, err error) {
	defer func() { lm.metrics.recordBorrow(ctx, err) }()

	if err := requireUser(actor); err != nil {
		return nil, err
	}
	now := lm.now().UTC()
	dueDay, err := validateDueDate(due, now)
	if err != nil {
		return nil, err
	}

	err = lm.db.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lm.db.bookExists(ctx, tx, bookID); err != nil {
			return err
		}

		var after int64
		for attempt := 0; attempt < maxClaimAttempts; attempt++ {
			c, err := lm.db.findAvailableCopy(ctx, tx, bookID, after)
			if err != nil {
				return err
			}
			if c == nil {
				return newError(CodeUnavailable, "this book is currently unavailable")
			}
			claimed, err := lm.db.claimCopy(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if !claimed {
				// Another borrower took this copy; try the next one.
				after = c.ID
				continue
			}

			ok, err := lm.db.decrementAvailable(ctx, tx, bookID)
			if err != nil {
				return err
			}
			if !ok {
				return newError(CodeConflict, "availability counter out of sync")
			}

			t, err = lm.db.createTransaction(ctx, tx, actor.UserID, c.ID, now, dueDay)
			return err
		}
		return newError(CodeConflict, "too many concurrent borrow requests, try again")
	})
	if err != nil {
		err = operationError("error processing borrow request", err)
		lm.logFailure("borrow", err)
		return nil, err
	}

	lm.log.Info("book borrowed", "user_id", actor.UserID, "book_id", bookID, "copy_id", t.CopyID,
		"borrow_id", t.ID, "due", dueDay.Format(DueDateLayout))
	return t, nil
}

// Return closes the caller's loan and puts the copy back on the shelf.
func (lm *LibraryManager) Return(ctx context.Context, actor Identity, borrowID int64) (err error) {
	defer func() { lm.metrics.recordReturn(ctx, err) }()

	if err := requireUser(actor); err != nil {
		return err
	}

	var (
		copyID int64
		bookID int64
	)
	err = lm.db.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := lm.db.getTransaction(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if t.UserID != actor.UserID {
			return newError(CodeForbidden, "you cannot modify another user's borrow record")
		}
		if t.ReturnDate != nil {
			return newError(CodeConflict, "loan already returned")
		}
		copyID = t.CopyID

		if bookID, err = lm.db.copyBookID(ctx, tx, copyID); err != nil {
			return err
		}
		released, err := lm.db.releaseCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if !released {
			return newError(CodeConflict, fmt.Sprintf("copy %d is not on loan", copyID))
		}
		if err := lm.db.incrementAvailable(ctx, tx, bookID); err != nil {
			return err
		}
		return lm.db.closeTransaction(ctx, tx, borrowID)
	})
	if err != nil {
		err = operationError("failed to return book", err)
		lm.logFailure("return", err)
		return err
	}

	lm.log.Info("book returned", "user_id", actor.UserID, "book_id", bookID, "copy_id", copyID, "borrow_id", borrowID)
	return nil
}

// MyLoans lists the caller's loans, newest first, flagging overdue ones.
func (lm *LibraryManager) MyLoans(ctx context.Context, actor Identity) ([]*Loan, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	loans, err := lm.db.ListActiveForUser(ctx, actor.UserID)
	if err != nil {
		return nil, operationError("failed to load loans", err)
	}
	lm.markOverdue(loans)
	return loans, nil
}

func (lm *LibraryManager) markOverdue(loans []*Loan) {
	today := startOfDay(lm.now())
	for _, l := range loans {
		l.Overdue = l.ReturnDate == nil && l.DueDate.Before(today)
	}
}

// ------------------ Dashboard ------------------

// Stats returns inventory counts.
func (lm *LibraryManager) Stats(ctx context.Context) (Stats, error) {
	s, err := lm.db.Stats(ctx)
	if err != nil {
		return s, operationError("failed to load statistics", err)
	}
	return s, nil
}

// Dashboard returns the admin overview.
func (lm *LibraryManager) Dashboard(ctx context.Context, actor Identity, filter string) (*Dashboard, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	stats, err := lm.Stats(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := lm.ListCatalog(ctx, filter)
	if err != nil {
		return nil, err
	}
	loans, err := lm.db.ListActive(ctx)
	if err != nil {
		return nil, operationError("failed to load loans", err)
	}
	lm.markOverdue(loans)
	users, err := lm.db.ListUsers(ctx)
	if err != nil {
		return nil, operationError("failed to load users", err)
	}
	return &Dashboard{Stats: stats, Catalog: catalog, ActiveLoans: loans, Users: users}, nil
}

func (lm *LibraryManager) logFailure(op string, err error) {
	if CodeOf(err) == CodeOperation {
		lm.log.Error(op+" failed", "err", err)
	}
}
