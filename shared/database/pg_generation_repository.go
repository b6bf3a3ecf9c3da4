package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	generationColumns = `id, user_id, request, status, stage, progress, credits, prediction_id, video_url, error,
        trace_id, retry_count, created_at, updated_at, completed_at`

	createGenerationQuery = `
        INSERT INTO generations (id, user_id, request, status, stage, progress, credits, prediction_id, trace_id, retry_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	getGenerationQuery   = `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`
	listGenerationsQuery = `SELECT ` + generationColumns + ` FROM generations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	// терминальные записи не откатываются назад обновлениями прогресса
	updateProgressQuery = `
        UPDATE generations SET status = $2, stage = $3, progress = GREATEST(progress, $4), updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	// пустой id сбрасывает предсказание прошлой попытки
	setPredictionQuery  = `UPDATE generations SET prediction_id = NULLIF($2, ''), updated_at = NOW() WHERE id = $1`
	incrementRetryQuery = `UPDATE generations SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`
	insertTerminalEvent = `
        INSERT INTO generation_terminal_events (generation_id, status, source, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (generation_id, status) DO NOTHING`
	applyTerminalQuery = `
        UPDATE generations SET
            status = $2,
            stage = CASE WHEN $2 = 'completed' THEN 'completed' ELSE stage END,
            progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
            video_url = COALESCE(NULLIF($3, ''), video_url),
            error = NULLIF($4, ''),
            completed_at = $5,
            updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
)

var _ interfaces.GenerationRepository = (*pgGenerationRepository)(nil)

type pgGenerationRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

// NewPgGenerationRepository создает PostgreSQL-репозиторий генераций.
func NewPgGenerationRepository(db interfaces.DBTX, logger *zap.Logger) interfaces.GenerationRepository {
	return &pgGenerationRepository{db: db, logger: logger.Named("PgGenerationRepo")}
}

func (r *pgGenerationRepository) Create(ctx context.Context, gen *models.Generation) error {
	now := time.Now().UTC()
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now
	}
	gen.UpdatedAt = now
	if gen.Status == "" {
		gen.Status = models.JobStatusQueued
	}
	if gen.Stage == "" {
		gen.Stage = models.StageQueued
	}

	_, err := r.db.Exec(ctx, createGenerationQuery,
		gen.ID, gen.UserID, gen.Request, gen.Status, gen.Stage, gen.Progress, gen.Credits,
		gen.PredictionID, gen.TraceID, gen.RetryCount, gen.CreatedAt, gen.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create generation", zap.String("job_id", gen.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create generation %s: %w", gen.ID, err)
	}
	r.logger.Debug("Generation created", zap.String("job_id", gen.ID.String()), zap.String("user_id", gen.UserID.String()))
	return nil
}

func (r *pgGenerationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	var gen models.Generation
	if err := pgxscan.Get(ctx, r.db, &gen, getGenerationQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		r.logger.Error("Failed to get generation", zap.String("job_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get generation %s: %w", id, err)
	}
	return &gen, nil
}

func (r *pgGenerationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var gens []*models.Generation
	if err := pgxscan.Select(ctx, r.db, &gens, listGenerationsQuery, userID, limit); err != nil {
		r.logger.Error("Failed to list generations", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list generations for user %s: %w", userID, err)
	}
	return gens, nil
}

func (r *pgGenerationRepository) UpdateProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, stage models.Stage, progress int) error {
	if _, err := r.db.Exec(ctx, updateProgressQuery, id, status, stage, progress); err != nil {
		r.logger.Warn("Failed to update generation progress", zap.String("job_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to update progress for %s: %w", id, err)
	}
	return nil
}

func (r *pgGenerationRepository) SetPrediction(ctx context.Context, id uuid.UUID, predictionID string) error {
	tag, err := r.db.Exec(ctx, setPredictionQuery, id, predictionID)
	if err != nil {
		return fmt.Errorf("failed to set prediction for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (r *pgGenerationRepository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, incrementRetryQuery, id); err != nil {
		return fmt.Errorf("failed to increment retry for %s: %w", id, err)
	}
	return nil
}

// ApplyTerminal записывает маркер (id, status) и обновляет запись в одной транзакции.
// Если маркер уже есть или запись уже терминальна, возвращает models.ErrAlreadyApplied.
func (r *pgGenerationRepository) ApplyTerminal(ctx context.Context, u interfaces.TerminalUpdate) error {
	if !u.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s is not terminal", models.ErrBadRequest, u.Status)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	logFields := []zap.Field{zap.String("job_id", u.ID.String()), zap.String("status", string(u.Status)), zap.String("source", u.Source)}

	err := ExecuteInTransaction(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertTerminalEvent, u.ID, u.Status, u.Source, at)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
				return models.ErrJobNotFound
			}
			return fmt.Errorf("failed to record terminal event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrAlreadyApplied
		}
		tag, err = tx.Exec(ctx, applyTerminalQuery, u.ID, u.Status, u.VideoURL, u.Error, at)
		if err != nil {
			return fmt.Errorf("failed to apply terminal status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// запись уже в другом терминальном статусе
			return models.ErrAlreadyApplied
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyApplied) || errors.Is(err, models.ErrJobNotFound) {
			r.logger.Debug("Terminal status not applied", append(logFields, zap.Error(err))...)
			return err
		}
		r.logger.Error("Failed to apply terminal status", append(logFields, zap.Error(err))...)
		return err
	}
	r.logger.Info("Terminal status applied", logFields...)
	return nil
}
