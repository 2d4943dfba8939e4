package library

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts ...Option) *LibraryManager {
	t.Helper()
	dir := t.TempDir()
	base := []Option{
		WithPasswordCost(bcrypt.MinCost),
		WithClock(func() time.Time { return testNow }),
	}
	mgr, err := NewLibraryManager(filepath.Join(dir, "lib.db"), append(base, opts...)...)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func newAdmin(t *testing.T, mgr *LibraryManager) Identity {
	t.Helper()
	u, err := mgr.CreateAdmin(context.Background(), "admin", "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	return u.Identity()
}

func newUser(t *testing.T, mgr *LibraryManager, name string) Identity {
	t.Helper()
	u, err := mgr.Signup(context.Background(), name, name+"@example.com", "secret")
	if err != nil {
		t.Fatalf("signup %s: %v", name, err)
	}
	return u.Identity()
}

func days(n int) time.Time { return testNow.AddDate(0, 0, n) }

// checkCounter asserts that the book's counter equals its available copies.
func checkCounter(t *testing.T, mgr *LibraryManager, bookID int64, want int) {
	t.Helper()
	ctx := context.Background()
	b, err := mgr.GetBook(ctx, bookID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	copies, err := mgr.Database().ListCopies(ctx, bookID)
	if err != nil {
		t.Fatalf("list copies: %v", err)
	}
	available := 0
	for _, c := range copies {
		if c.Status == CopyAvailable {
			available++
		}
	}
	if b.AvailableCopies != available {
		t.Fatalf("counter %d disagrees with %d available copies", b.AvailableCopies, available)
	}
	if available != want {
		t.Fatalf("want %d available, got %d", want, available)
	}
}

func TestBorrowAndReturnDune(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")

	b, err := mgr.AddBook(ctx, admin, "Dune", "Frank Herbert", "Science Fiction", 3)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !ValidISBN13(b.ISBN) {
		t.Fatalf("invalid isbn %q", b.ISBN)
	}
	checkCounter(t, mgr, b.ID, 3)

	loan, err := mgr.Borrow(ctx, alice, b.ID, days(7))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if loan.UserID != alice.UserID || loan.ReturnDate != nil {
		t.Fatalf("unexpected loan %+v", loan)
	}
	if want := startOfDay(days(7)); !loan.DueDate.Equal(want) {
		t.Fatalf("due %v, want %v", loan.DueDate, want)
	}
	checkCounter(t, mgr, b.ID, 2)

	loans, err := mgr.MyLoans(ctx, alice)
	if err != nil {
		t.Fatalf("my loans: %v", err)
	}
	if len(loans) != 1 || loans[0].ID != loan.ID || loans[0].Title != "Dune" || loans[0].Overdue {
		t.Fatalf("unexpected loans %+v", loans)
	}

	if err := mgr.Return(ctx, alice, loan.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	checkCounter(t, mgr, b.ID, 3)

	loans, _ = mgr.MyLoans(ctx, alice)
	if len(loans) != 0 {
		t.Fatalf("want no loans after return, got %d", len(loans))
	}
	if err := mgr.Return(ctx, alice, loan.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second return: want not found, got %v", err)
	}
}

func TestBorrowLastCopy(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	bob := newUser(t, mgr, "bob")

	b, _ := mgr.AddBook(ctx, admin, "Solo", "Author", "", 1)
	if _, err := mgr.Borrow(ctx, alice, b.ID, days(3)); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	if _, err := mgr.Borrow(ctx, bob, b.ID, days(3)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want unavailable, got %v", err)
	}
	checkCounter(t, mgr, b.ID, 0)
}

func TestBorrowDueDateBounds(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	b, _ := mgr.AddBook(ctx, admin, "Book", "Author", "", 5)

	cases := []struct {
		name string
		due  time.Time
		ok   bool
	}{
		{"today", testNow, true},
		{"two weeks", days(MaxLoanDays), true},
		{"two weeks and a day", days(MaxLoanDays + 1), false},
		{"yesterday", days(-1), false},
		{"zero", time.Time{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.Borrow(ctx, alice, b.ID, tc.due)
			if tc.ok && err != nil {
				t.Fatalf("want success, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
	checkCounter(t, mgr, b.ID, 3)
}

func TestParseDueDate(t *testing.T) {
	d, err := ParseDueDate("2026-03-24")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Equal(startOfDay(days(MaxLoanDays))) {
		t.Fatalf("unexpected date %v", d)
	}
	if _, err := ParseDueDate("24/03/2026"); !errors.Is(err, ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestBorrowMissingBook(t *testing.T) {
	mgr := newManager(t)
	alice := newUser(t, mgr, "alice")
	if _, err := mgr.Borrow(context.Background(), alice, 404, days(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestReturnOtherUsersLoan(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	bob := newUser(t, mgr, "bob")

	b, _ := mgr.AddBook(ctx, admin, "Book", "Author", "Mystery", 2)
	loan, err := mgr.Borrow(ctx, alice, b.ID, days(5))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := mgr.Return(ctx, bob, loan.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want forbidden, got %v", err)
	}
	checkCounter(t, mgr, b.ID, 1)
	if _, err := mgr.Database().GetTransaction(ctx, loan.ID); err != nil {
		t.Fatalf("loan should survive a forbidden return: %v", err)
	}
}

func TestAnonymousAndNonAdmin(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	alice := newUser(t, mgr, "alice")

	if _, err := mgr.AddBook(ctx, alice, "Book", "Author", "", 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("add: want forbidden, got %v", err)
	}
	if _, err := mgr.EditBook(ctx, alice, 1, "Book", "Author", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("edit: want forbidden, got %v", err)
	}
	if err := mgr.DeleteBook(ctx, alice, 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete: want forbidden, got %v", err)
	}
	if _, err := mgr.Dashboard(ctx, alice, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("dashboard: want forbidden, got %v", err)
	}
	if _, err := mgr.Borrow(ctx, Identity{}, 1, days(1)); !errors.Is(err, ErrAuth) {
		t.Fatalf("anonymous borrow: want auth, got %v", err)
	}
}

func TestAddBookValidation(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)

	cases := []struct {
		name, title, author, category string
		copies                        int
	}{
		{"no copies", "T", "A", "", 0},
		{"negative copies", "T", "A", "", -2},
		{"blank title", "  ", "A", "", 1},
		{"blank author", "T", "", "", 1},
		{"unknown category", "T", "A", "Poetry", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.AddBook(ctx, admin, tc.title, tc.author, tc.category, tc.copies); !errors.Is(err, ErrValidation) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
	if s, _ := mgr.Stats(ctx); s.Books != 0 {
		t.Fatalf("rejected adds created %d books", s.Books)
	}
}

func TestEditBook(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	b, _ := mgr.AddBook(ctx, admin, "Dnue", "Herbert", "", 2)

	got, err := mgr.EditBook(ctx, admin, b.ID, "Dune", "Frank Herbert", "Science Fiction")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Title != "Dune" || got.Category != CategoryScienceFiction || got.AvailableCopies != 2 || got.ISBN != b.ISBN {
		t.Fatalf("unexpected book %+v", got)
	}
	if _, err := mgr.EditBook(ctx, admin, 999, "X", "Y", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")

	b, _ := mgr.AddBook(ctx, admin, "Doomed", "Author", "History", 2)
	keep, _ := mgr.AddBook(ctx, admin, "Kept", "Author", "History", 1)
	if _, err := mgr.Borrow(ctx, alice, b.ID, days(2)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := mgr.Borrow(ctx, alice, keep.ID, days(2)); err != nil {
		t.Fatalf("borrow kept: %v", err)
	}

	if err := mgr.DeleteBook(ctx, admin, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.GetBook(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("book survived delete: %v", err)
	}
	copies, _ := mgr.Database().ListCopies(ctx, b.ID)
	if len(copies) != 0 {
		t.Fatalf("%d orphaned copies", len(copies))
	}
	loans, _ := mgr.MyLoans(ctx, alice)
	if len(loans) != 1 || loans[0].BookID != keep.ID {
		t.Fatalf("unexpected loans after delete %+v", loans)
	}
	if err := mgr.DeleteBook(ctx, admin, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: want not found, got %v", err)
	}
}

func TestListCatalog(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	mgr.AddBook(ctx, admin, "Dune", "Herbert", "Science Fiction", 1)
	mgr.AddBook(ctx, admin, "Emma", "Austen", "Romance", 1)
	mgr.AddBook(ctx, admin, "Zine", "Anon", "", 1)

	all, err := mgr.ListCatalog(ctx, "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var labels []string
	for _, s := range all {
		labels = append(labels, s.Category)
	}
	if fmt.Sprint(labels) != "[Romance Science Fiction Uncategorized]" {
		t.Fatalf("unexpected sections %v", labels)
	}

	one, _ := mgr.ListCatalog(ctx, "Romance")
	if len(one) != 1 || one[0].Books[0].Title != "Emma" {
		t.Fatalf("unexpected filtered catalog %+v", one)
	}

	fallback, _ := mgr.ListCatalog(ctx, "Poetry")
	if len(fallback) != 3 {
		t.Fatalf("unknown filter should fall back to full catalog, got %d sections", len(fallback))
	}
}

func TestSignupAndLogin(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	u, err := mgr.Signup(ctx, "  alice ", "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if u.Username != "alice" || u.Role != RoleUser || u.PasswordHash == "pw" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := mgr.Signup(ctx, "alice", "new@example.com", "pw"); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate: want validation, got %v", err)
	}
	if _, err := mgr.Signup(ctx, "bob", "", "pw"); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing email: want validation, got %v", err)
	}

	if _, err := mgr.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrAuth) {
		t.Fatalf("bad password: want auth, got %v", err)
	}
	if _, err := mgr.Login(ctx, "nobody", "pw"); !errors.Is(err, ErrAuth) {
		t.Fatalf("unknown user: want auth, got %v", err)
	}
	got, err := mgr.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.Identity() != u.Identity() {
		t.Fatalf("identity mismatch %+v %+v", got.Identity(), u.Identity())
	}
}

func TestOverdueFlag(t *testing.T) {
	now := testNow
	mgr := newManager(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	b, _ := mgr.AddBook(ctx, admin, "Book", "Author", "", 1)
	if _, err := mgr.Borrow(ctx, alice, b.ID, days(3)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	now = testNow.AddDate(0, 0, 4)
	loans, err := mgr.MyLoans(ctx, alice)
	if err != nil {
		t.Fatalf("loans: %v", err)
	}
	if len(loans) != 1 || !loans[0].Overdue {
		t.Fatalf("want overdue loan, got %+v", loans)
	}
}

func TestDashboard(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	b, _ := mgr.AddBook(ctx, admin, "Book", "Author", "Fiction", 2)
	mgr.Borrow(ctx, alice, b.ID, days(1))

	d, err := mgr.Dashboard(ctx, admin, "")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	want := Stats{Books: 1, CopiesAvailable: 1, CopiesBorrowed: 1, Users: 2, ActiveLoans: 1}
	if d.Stats != want {
		t.Fatalf("stats %+v, want %+v", d.Stats, want)
	}
	if len(d.ActiveLoans) != 1 || len(d.Users) != 2 || len(d.Catalog) != 1 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
}

// TestConcurrentBorrowLastCopy races several borrowers for a single copy.
func TestConcurrentBorrowLastCopy(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin := newAdmin(t, mgr)
	b, _ := mgr.AddBook(ctx, admin, "Hot", "Author", "", 1)

	const n = 8
	users := make([]Identity, n)
	for i := range users {
		users[i] = newUser(t, mgr, fmt.Sprintf("user%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, u := range users {
		wg.Add(1)
		go func(u Identity) {
			defer wg.Done()
			_, err := mgr.Borrow(ctx, u, b.ID, days(7))
			errs <- err
		}(u)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrUnavailable), errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winner, got %d", wins)
	}
	checkCounter(t, mgr, b.ID, 0)
	if n, _ := mgr.Database().CountActive(ctx); n != 1 {
		t.Fatalf("want 1 active loan, got %d", n)
	}
}
