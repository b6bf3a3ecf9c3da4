package handler

import (
	"time"

	"videogen-server/shared/models"

	"github.com/google/uuid"
)

// --- Request/Response Structs ---

type submitRequest struct {
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration"`
	Model          string `json:"model"`
	Quality        string `json:"quality"`
	Style          string `json:"style"`
	NegativePrompt string `json:"negative_prompt"`
	Seed           *int64 `json:"seed"`
	AspectRatio    string `json:"aspect_ratio"`
}

func (r submitRequest) toModel() models.GenerationRequest {
	return models.GenerationRequest{
		Prompt:         r.Prompt,
		Duration:       r.Duration,
		Model:          r.Model,
		Quality:        models.Quality(r.Quality),
		Style:          r.Style,
		NegativePrompt: r.NegativePrompt,
		Seed:           r.Seed,
		AspectRatio:    r.AspectRatio,
	}
}

type generationResponse struct {
	ID          uuid.UUID                `json:"id"`
	Status      models.JobStatus         `json:"status"`
	Stage       models.Stage             `json:"stage"`
	Progress    int                      `json:"progress"`
	Request     models.GenerationRequest `json:"request"`
	Credits     int                      `json:"credits"`
	VideoURL    *string                  `json:"video_url,omitempty"`
	Error       *string                  `json:"error,omitempty"`
	RetryCount  int                      `json:"retry_count"`
	TraceID     string                   `json:"trace_id"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

func toGenerationResponse(g *models.Generation) generationResponse {
	return generationResponse{
		ID:          g.ID,
		Status:      g.Status,
		Stage:       g.Stage,
		Progress:    g.Progress,
		Request:     g.Request,
		Credits:     g.Credits,
		VideoURL:    g.VideoURL,
		Error:       g.Error,
		RetryCount:  g.RetryCount,
		TraceID:     g.TraceID,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
		CompletedAt: g.CompletedAt,
	}
}

type balanceResponse struct {
	Balance   int  `json:"balance"`
	Unlimited bool `json:"unlimited"`
}

type setBalanceRequest struct {
	Balance *int `json:"balance"`
}
