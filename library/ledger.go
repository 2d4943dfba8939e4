package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

const loanSelect = `SELECT t.borrow_id, t.user_id, t.copy_id, t.borrow_date, t.due_date, t.return_date,
        c.book_id, b.title, b.author
    FROM borrow_transactions t
    JOIN book_copies c ON c.copy_id = t.copy_id
    JOIN books b ON b.book_id = c.book_id`

// createTransaction inserts an active loan. The caller must already have
// marked the copy borrowed in the same transaction.
func (d *Database) createTransaction(ctx context.Context, tx *sqlx.Tx, userID, copyID int64, borrowDate, dueDate time.Time) (*BorrowTransaction, error) {
	t := &BorrowTransaction{
		UserID:     userID,
		CopyID:     copyID,
		BorrowDate: borrowDate.UTC(),
		DueDate:    dueDate.UTC(),
	}
	err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO borrow_transactions(user_id,copy_id,borrow_date,due_date)
        VALUES(?,?,?,?) RETURNING borrow_id`), t.UserID, t.CopyID, t.BorrowDate, t.DueDate).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, newError(CodeConflict, fmt.Sprintf("copy %d already on loan", copyID))
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}

// GetTransaction fetches one transaction by id.
func (d *Database) GetTransaction(ctx context.Context, id int64) (*BorrowTransaction, error) {
	return d.getTransaction(ctx, d.db, id, false)
}

func (d *Database) getTransaction(ctx context.Context, q sqlx.QueryerContext, id int64, lock bool) (*BorrowTransaction, error) {
	query := `SELECT borrow_id, user_id, copy_id, borrow_date, due_date, return_date FROM borrow_transactions WHERE borrow_id=?`
	if lock {
		query += d.forUpdate(false)
	}
	var t BorrowTransaction
	err := sqlx.GetContext(ctx, q, &t, d.db.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(CodeNotFound, fmt.Sprintf("transaction %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

// ListActiveForUser returns the user's loans without a return date, newest first.
func (d *Database) ListActiveForUser(ctx context.Context, userID int64) ([]*Loan, error) {
	return d.selectLoans(ctx, loanSelect+` WHERE t.user_id=? AND t.return_date IS NULL
        ORDER BY t.borrow_date DESC, t.borrow_id DESC`, userID)
}

// ListActive returns all active loans, newest first.
func (d *Database) ListActive(ctx context.Context) ([]*Loan, error) {
	return d.selectLoans(ctx, loanSelect+` WHERE t.return_date IS NULL
        ORDER BY t.borrow_date DESC, t.borrow_id DESC`)
}

func (d *Database) selectLoans(ctx context.Context, query string, args ...any) ([]*Loan, error) {
	loans := []*Loan{}
	if err := d.db.SelectContext(ctx, &loans, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// closeTransaction deletes the loan row. Returning a book discards the row
// rather than stamping return_date.
func (d *Database) closeTransaction(ctx context.Context, tx *sqlx.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM borrow_transactions WHERE borrow_id=?`), id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return newError(CodeConflict, fmt.Sprintf("transaction %d already closed", id))
	}
	return nil
}

// CountActive counts transactions without a return date.
func (d *Database) CountActive(ctx context.Context) (int64, error) {
	return d.count(ctx, "borrow_transactions", goqu.Ex{"return_date": nil})
}
