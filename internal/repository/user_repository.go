package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/digkill/CutoutStore/internal/models"
)

var ErrDuplicateEmail = errors.New("email already registered")

type UserRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewUserRepository(db *sql.DB, dialect Dialect) *UserRepository {
	return &UserRepository{db: db, dialect: dialect}
}

const userColumns = `id, email, password_hash, stripe_customer_id, total_credits, pro, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var hash, customer sql.NullString
	if err := row.Scan(&u.ID, &u.Email, &hash, &customer, &u.TotalCredits, &u.Pro, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PasswordHash = stringPtr(hash)
	u.StripeCustomerID = stringPtr(customer)
	return &u, nil
}

func (r *UserRepository) findOne(ctx context.Context, where string, arg any) (*models.User, error) {
	row := r.dialect.queryRow(ctx, r.db, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "email = ?", email)
}

func (r *UserRepository) FindByStripeCustomer(ctx context.Context, customerID string) (*models.User, error) {
	return r.findOne(ctx, "stripe_customer_id = ?", customerID)
}

// Create inserts the user. A nil PasswordHash marks a federated account.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `INSERT INTO users (email, password_hash) VALUES (?, ?)`
	id, err := r.dialect.insert(ctx, r.db, query, user.Email, nullString(user.PasswordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return r.FindByID(ctx, id)
}

func (r *UserRepository) SetStripeCustomer(ctx context.Context, userID int64, customerID string) error {
	const query = `UPDATE users SET stripe_customer_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.dialect.exec(ctx, r.db, query, customerID, userID); err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	return nil
}

func (r *UserRepository) SetPro(ctx context.Context, userID int64, pro bool) error {
	const query = `UPDATE users SET pro = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.dialect.exec(ctx, r.db, query, pro, userID); err != nil {
		return fmt.Errorf("set pro: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
