package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

const maxISBNAttempts = 10

// NewBook is the input of AddBook after validation.
type NewBook struct {
	Title    string
	Author   string
	Category Category
	Copies   int
}

// DeleteResult reports what a cascading book delete removed.
type DeleteResult struct {
	Copies int64
	Loans  int64
}

// AddBook creates the book with a fresh ISBN and its copies, all available,
// in one transaction.
func (d *Database) AddBook(ctx context.Context, nb NewBook, isbnGen func() string) (*Book, error) {
	if isbnGen == nil {
		isbnGen = RandomISBN
	}
	b := &Book{
		Title:           nb.Title,
		Author:          nb.Author,
		Category:        nb.Category,
		AvailableCopies: nb.Copies,
	}

	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		isbn, err := d.uniqueISBN(ctx, tx, isbnGen)
		if err != nil {
			return err
		}
		b.ISBN = isbn

		err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO books(title,author,category,isbn,available_copies)
            VALUES(?,?,?,?,?) RETURNING book_id`),
			b.Title, b.Author, nullable(string(b.Category)), b.ISBN, b.AvailableCopies).Scan(&b.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return newError(CodeConflict, "isbn already in use")
			}
			return fmt.Errorf("insert book: %w", err)
		}

		ins := tx.Rebind(`INSERT INTO book_copies(book_id,status) VALUES(?,?)`)
		for i := 0; i < nb.Copies; i++ {
			if _, err := tx.ExecContext(ctx, ins, b.ID, string(CopyAvailable)); err != nil {
				return fmt.Errorf("insert copy: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Database) uniqueISBN(ctx context.Context, tx *sqlx.Tx, gen func() string) (string, error) {
	q := tx.Rebind(`SELECT EXISTS(SELECT 1 FROM books WHERE isbn=?)`)
	for i := 0; i < maxISBNAttempts; i++ {
		candidate := gen()
		var exists bool
		if err := tx.QueryRowxContext(ctx, q, candidate).Scan(&exists); err != nil {
			return "", fmt.Errorf("check isbn: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", newError(CodeConflict, "could not allocate a unique ISBN")
}

// EditBook replaces the descriptive fields of a book. Copies and the
// availability counter are untouched.
func (d *Database) EditBook(ctx context.Context, id int64, title, author string, category Category) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE books SET title=?, author=?, category=? WHERE book_id=?`),
		title, author, nullable(string(category)), id)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return newError(CodeNotFound, fmt.Sprintf("book %d not found", id))
	}
	return nil
}

// DeleteBook removes the book, its copies and every transaction that
// references those copies. The cascade is explicit so it does not depend on
// the driver enforcing foreign keys.
func (d *Database) DeleteBook(ctx context.Context, id int64) (DeleteResult, error) {
	var out DeleteResult
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		var bookID int64
		err := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT book_id FROM books WHERE book_id=?`+d.forUpdate(false)), id).Scan(&bookID)
		if errors.Is(err, sql.ErrNoRows) {
			return newError(CodeNotFound, fmt.Sprintf("book %d not found", id))
		}
		if err != nil {
			return fmt.Errorf("lookup book: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM borrow_transactions
            WHERE copy_id IN (SELECT copy_id FROM book_copies WHERE book_id=?)`), id)
		if err != nil {
			return fmt.Errorf("delete transactions: %w", err)
		}
		if out.Loans, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM book_copies WHERE book_id=?`), id)
		if err != nil {
			return fmt.Errorf("delete copies: %w", err)
		}
		if out.Copies, err = res.RowsAffected(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM books WHERE book_id=?`), id); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		return nil
	})
	return out, err
}

const bookColumns = `book_id, title, author, COALESCE(category,'') AS category, COALESCE(isbn,'') AS isbn, available_copies`

// GetBook fetches a single book.
func (d *Database) GetBook(ctx context.Context, id int64) (*Book, error) {
	var b Book
	err := d.db.GetContext(ctx, &b, d.db.Rebind(`SELECT `+bookColumns+` FROM books WHERE book_id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(CodeNotFound, fmt.Sprintf("book %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &b, nil
}

// ListBooks returns books ordered by title. A non-empty label restricts the
// result to one category; Uncategorized selects books without one.
func (d *Database) ListBooks(ctx context.Context, label string) ([]*Book, error) {
	ds := d.gq.From("books").
		Select(
			"book_id", "title", "author",
			goqu.COALESCE(goqu.C("category"), "").As("category"),
			goqu.COALESCE(goqu.C("isbn"), "").As("isbn"),
			"available_copies",
		).
		Order(goqu.C("title").Asc(), goqu.C("book_id").Asc())
	switch label {
	case "":
	case Uncategorized:
		ds = ds.Where(goqu.C("category").IsNull())
	default:
		ds = ds.Where(goqu.Ex{"category": label})
	}

	q, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build book list: %w", err)
	}
	books := []*Book{}
	if err := d.db.SelectContext(ctx, &books, q, args...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (d *Database) bookExists(ctx context.Context, q sqlx.QueryerContext, id int64) error {
	var exists bool
	if err := q.QueryRowxContext(ctx, d.db.Rebind(`SELECT EXISTS(SELECT 1 FROM books WHERE book_id=?)`), id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup book: %w", err)
	}
	if !exists {
		return newError(CodeNotFound, fmt.Sprintf("book %d not found", id))
	}
	return nil
}

func (d *Database) copyBookID(ctx context.Context, q sqlx.QueryerContext, copyID int64) (int64, error) {
	var bookID int64
	err := q.QueryRowxContext(ctx, d.db.Rebind(`SELECT book_id FROM book_copies WHERE copy_id=?`), copyID).Scan(&bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, newError(CodeNotFound, fmt.Sprintf("copy %d not found", copyID))
	}
	if err != nil {
		return 0, fmt.Errorf("lookup copy: %w", err)
	}
	return bookID, nil
}

// ListCopies returns the copies of a book ordered by id.
func (d *Database) ListCopies(ctx context.Context, bookID int64) ([]*BookCopy, error) {
	copies := []*BookCopy{}
	err := d.db.SelectContext(ctx, &copies, d.db.Rebind(`SELECT copy_id, book_id, status FROM book_copies WHERE book_id=? ORDER BY copy_id`), bookID)
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	return copies, nil
}

// FindAvailableCopy returns one available copy of the book, or nil when
// none is left. The lowest copy id wins.
func (d *Database) FindAvailableCopy(ctx context.Context, bookID int64) (*BookCopy, error) {
	return d.findAvailableCopy(ctx, d.db, bookID, 0)
}

func (d *Database) findAvailableCopy(ctx context.Context, q sqlx.QueryerContext, bookID, afterID int64) (*BookCopy, error) {
	var c BookCopy
	err := sqlx.GetContext(ctx, q, &c, d.db.Rebind(`SELECT copy_id, book_id, status FROM book_copies
        WHERE book_id=? AND status=? AND copy_id>? ORDER BY copy_id LIMIT 1`+d.forUpdate(true)),
		bookID, string(CopyAvailable), afterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find available copy: %w", err)
	}
	return &c, nil
}

// claimCopy flips a copy from available to borrowed. It reports false when
// another transaction got there first.
func (d *Database) claimCopy(ctx context.Context, tx *sqlx.Tx, copyID int64) (bool, error) {
	return d.setCopyStatus(ctx, tx, copyID, CopyAvailable, CopyBorrowed)
}

// releaseCopy flips a copy from borrowed back to available.
func (d *Database) releaseCopy(ctx context.Context, tx *sqlx.Tx, copyID int64) (bool, error) {
	return d.setCopyStatus(ctx, tx, copyID, CopyBorrowed, CopyAvailable)
}

func (d *Database) setCopyStatus(ctx context.Context, tx *sqlx.Tx, copyID int64, from, to CopyStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE book_copies SET status=? WHERE copy_id=? AND status=?`), string(to), copyID, string(from))
	if err != nil {
		return false, fmt.Errorf("set copy status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// decrementAvailable never takes the counter below zero; it reports false
// when the counter was already zero.
func (d *Database) decrementAvailable(ctx context.Context, tx *sqlx.Tx, bookID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE books SET available_copies = available_copies - 1
        WHERE book_id=? AND available_copies > 0`), bookID)
	if err != nil {
		return false, fmt.Errorf("decrement available: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *Database) incrementAvailable(ctx context.Context, tx *sqlx.Tx, bookID int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE books SET available_copies = available_copies + 1 WHERE book_id=?`), bookID)
	if err != nil {
		return fmt.Errorf("increment available: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return newError(CodeConflict, fmt.Sprintf("book %d vanished during return", bookID))
	}
	return nil
}
