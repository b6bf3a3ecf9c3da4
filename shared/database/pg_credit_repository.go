package database

import (
	"context"
	"errors"
	"fmt"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UnlimitedCredits - баланс, который никогда не списывается.
const UnlimitedCredits = -1

const (
	// условное списание: ни одна строка не меняется, если кредитов не хватает
	reserveCreditsQuery = `
        UPDATE user_credits
        SET balance = CASE WHEN balance = -1 THEN -1 ELSE balance - $2 END, updated_at = NOW()
        WHERE user_id = $1 AND (balance = -1 OR balance >= $2)
        RETURNING balance`
	insertDebitQuery = `
        INSERT INTO credit_ledger (user_id, job_id, kind, amount, unlimited)
        VALUES ($1, $2, 'debit', $3, $4)
        ON CONFLICT (job_id, kind) DO NOTHING`
	// возврат только при наличии списания и отсутствии commit
	insertRefundQuery = `
        INSERT INTO credit_ledger (user_id, job_id, kind, amount, unlimited)
        SELECT d.user_id, d.job_id, 'refund', d.amount, d.unlimited
        FROM credit_ledger d
        WHERE d.job_id = $1 AND d.kind = 'debit'
          AND NOT EXISTS (SELECT 1 FROM credit_ledger c WHERE c.job_id = $1 AND c.kind = 'commit')
        ON CONFLICT (job_id, kind) DO NOTHING
        RETURNING user_id, amount, unlimited`
	refundBalanceQuery = `
        UPDATE user_credits SET balance = balance + $2, updated_at = NOW()
        WHERE user_id = $1 AND balance <> -1`
	insertCommitQuery = `
        INSERT INTO credit_ledger (user_id, job_id, kind, amount, unlimited)
        SELECT d.user_id, d.job_id, 'commit', d.amount, d.unlimited
        FROM credit_ledger d
        WHERE d.job_id = $1 AND d.kind = 'debit'
          AND NOT EXISTS (SELECT 1 FROM credit_ledger r WHERE r.job_id = $1 AND r.kind = 'refund')
        ON CONFLICT (job_id, kind) DO NOTHING`
	getBalanceQuery = `SELECT balance FROM user_credits WHERE user_id = $1`
	setBalanceQuery = `
        INSERT INTO user_credits (user_id, balance) VALUES ($1, $2)
        ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`
)

var _ interfaces.CreditRepository = (*pgCreditRepository)(nil)

type pgCreditRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgCreditRepository создает PostgreSQL-репозиторий кредитов.
func NewPgCreditRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.CreditRepository {
	return &pgCreditRepository{db: db, logger: logger.Named("PgCreditRepo")}
}

// Reserve списывает кредиты и пишет строку debit в журнал одной транзакцией.
// Повторный вызов для той же задачи ничего не списывает.
func (r *pgCreditRepository) Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: negative credit amount %d", models.ErrBadRequest, amount)
	}
	logFields := []zap.Field{zap.String("user_id", userID.String()), zap.String("job_id", jobID.String()), zap.Int("amount", amount)}

	var balance int
	err := ExecuteInTransaction(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, reserveCreditsQuery, userID, amount).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrInsufficientCredits
			}
			return fmt.Errorf("failed to reserve credits: %w", err)
		}
		tag, err := tx.Exec(ctx, insertDebitQuery, userID, jobID, amount, balance == UnlimitedCredits)
		if err != nil {
			return fmt.Errorf("failed to write debit ledger entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// задача уже списана: откатываем повторное списание
			return models.ErrAlreadyApplied
		}
		return nil
	})
	switch {
	case err == nil:
		r.logger.Info("Credits reserved", append(logFields, zap.Int("balance", balance))...)
		return balance, nil
	case errors.Is(err, models.ErrAlreadyApplied):
		r.logger.Warn("Credits already reserved for job", logFields...)
		current, berr := r.Balance(ctx, userID)
		if berr != nil {
			return 0, berr
		}
		return current, nil
	case errors.Is(err, models.ErrInsufficientCredits):
		r.logger.Info("Insufficient credits", logFields...)
		return 0, err
	default:
		r.logger.Error("Failed to reserve credits", append(logFields, zap.Error(err))...)
		return 0, err
	}
}

// Refund возвращает ровно списанную сумму один раз.
func (r *pgCreditRepository) Refund(ctx context.Context, jobID uuid.UUID) (bool, error) {
	refunded := false
	err := ExecuteInTransaction(ctx, r.db, func(tx pgx.Tx) error {
		var (
			userID    uuid.UUID
			amount    int
			unlimited bool
		)
		if err := tx.QueryRow(ctx, insertRefundQuery, jobID).Scan(&userID, &amount, &unlimited); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to write refund ledger entry: %w", err)
		}
		refunded = true
		if unlimited || amount == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, refundBalanceQuery, userID, amount); err != nil {
			return fmt.Errorf("failed to refund balance: %w", err)
		}
		r.logger.Info("Credits refunded", zap.String("user_id", userID.String()), zap.String("job_id", jobID.String()), zap.Int("amount", amount))
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to refund credits", zap.String("job_id", jobID.String()), zap.Error(err))
		return false, err
	}
	return refunded, nil
}

// Commit фиксирует списание. Баланс не меняется: кредиты уже сняты при резервировании.
func (r *pgCreditRepository) Commit(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, insertCommitQuery, jobID)
	if err != nil {
		r.logger.Error("Failed to commit credits", zap.String("job_id", jobID.String()), zap.Error(err))
		return false, fmt.Errorf("failed to commit credits for %s: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgCreditRepository) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	if err := r.db.QueryRow(ctx, getBalanceQuery, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance for %s: %w", userID, err)
	}
	return balance, nil
}

func (r *pgCreditRepository) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	if balance < UnlimitedCredits {
		return fmt.Errorf("%w: balance must be >= -1", models.ErrBadRequest)
	}
	if _, err := r.db.Exec(ctx, setBalanceQuery, userID, balance); err != nil {
		return fmt.Errorf("failed to set balance for %s: %w", userID, err)
	}
	r.logger.Info("Balance set", zap.String("user_id", userID.String()), zap.Int("balance", balance))
	return nil
}
