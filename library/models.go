package library

import (
	"strings"
	"time"
)

// Role is the access level of a user account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated caller of a core operation. The web layer
// resolves it from the request; the core never reads session state.
type Identity struct {
	UserID int64
	Role   Role
}

// IsAdmin reports whether the identity may manage the catalog.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// Category is one of the fixed shelf categories. The zero value means the
// book has no category and is listed under Uncategorized.
type Category string

const (
	CategoryFiction        Category = "Fiction"
	CategoryFantasy        Category = "Fantasy"
	CategoryScienceFiction Category = "Science Fiction"
	CategoryMystery        Category = "Mystery"
	CategoryRomance        Category = "Romance"
	CategoryNonfiction     Category = "Nonfiction"
	CategoryBiography      Category = "Biography"
	CategorySelfHelp       Category = "Self-Help"
	CategoryHistory        Category = "History"
)

// Uncategorized is the display name of books without a category.
const Uncategorized = "Uncategorized"

// Categories lists the accepted categories in display order.
var Categories = []Category{
	CategoryFiction,
	CategoryFantasy,
	CategoryScienceFiction,
	CategoryMystery,
	CategoryRomance,
	CategoryNonfiction,
	CategoryBiography,
	CategorySelfHelp,
	CategoryHistory,
}

// ParseCategory validates s against the fixed set. Blank input and
// "Uncategorized" both yield the zero Category.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == Uncategorized {
		return "", nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", newError(CodeValidation, "please choose a valid category")
}

// Label returns the category name used for grouping.
func (c Category) Label() string {
	if c == "" {
		return Uncategorized
	}
	return string(c)
}

// CopyStatus is the circulation state of a single copy.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "available"
	CopyBorrowed  CopyStatus = "borrowed"
)

// User is a registered account.
type User struct {
	ID           int64  `db:"user_id" json:"id"`
	Username     string `db:"username" json:"username"`
	Email        string `db:"email" json:"email"`
	PasswordHash string `db:"password_hash" json:"-"`
	Role         Role   `db:"role" json:"role"`
}

// Book is a catalog title. AvailableCopies is kept equal to the number of
// its copies in the available state by the borrow and return workflows.
type Book struct {
	ID              int64    `db:"book_id" json:"id"`
	Title           string   `db:"title" json:"title"`
	Author          string   `db:"author" json:"author"`
	Category        Category `db:"category" json:"category,omitempty"`
	ISBN            string   `db:"isbn" json:"isbn"`
	AvailableCopies int      `db:"available_copies" json:"available_copies"`
}

// BookCopy is one loanable instance of a Book.
type BookCopy struct {
	ID     int64      `db:"copy_id" json:"id"`
	BookID int64      `db:"book_id" json:"book_id"`
	Status CopyStatus `db:"status" json:"status"`
}

// BorrowTransaction is a loan of one copy to one user. A row with a nil
// ReturnDate is an active loan.
type BorrowTransaction struct {
	ID         int64      `db:"borrow_id" json:"id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	CopyID     int64      `db:"copy_id" json:"copy_id"`
	BorrowDate time.Time  `db:"borrow_date" json:"borrow_date"`
	DueDate    time.Time  `db:"due_date" json:"due_date"`
	ReturnDate *time.Time `db:"return_date" json:"return_date,omitempty"`
}

// Loan is a transaction joined with the book it lends, for listing.
type Loan struct {
	BorrowTransaction
	BookID  int64  `db:"book_id" json:"book_id"`
	Title   string `db:"title" json:"title"`
	Author  string `db:"author" json:"author"`
	Overdue bool   `db:"-" json:"overdue"`
}

// CatalogSection is one category group of the catalog listing.
type CatalogSection struct {
	Category string  `json:"category"`
	Books    []*Book `json:"books"`
}

// Stats are the inventory counts shown on the admin dashboard.
type Stats struct {
	Books           int64 `db:"books" json:"books"`
	CopiesAvailable int64 `db:"copies_available" json:"copies_available"`
	CopiesBorrowed  int64 `db:"copies_borrowed" json:"copies_borrowed"`
	Users           int64 `db:"users" json:"users"`
	ActiveLoans     int64 `db:"active_loans" json:"active_loans"`
}

// Dashboard is the admin overview.
type Dashboard struct {
	Stats       Stats            `json:"stats"`
	Catalog     []CatalogSection `json:"catalog"`
	ActiveLoans []*Loan          `json:"active_loans"`
	Users       []*User          `json:"users"`
}
