package models

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MaxPromptLength - потолок длины промпта, который принимает провайдер.
const MaxPromptLength = 2000

// Quality - уровень качества, каждый уровень умножает стоимость.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityUltra    Quality = "ultra"
)

// Multiplier возвращает множитель стоимости для уровня качества.
func (q Quality) Multiplier() float64 {
	switch q {
	case QualityHigh:
		return 1.5
	case QualityUltra:
		return 2.0
	default:
		return 1.0
	}
}

// ModelSpec описывает модель провайдера: стоимость, ограничения и оценку времени.
type ModelSpec struct {
	Name             string
	Version          string
	CreditsPerSecond float64
	MaxDuration      int
	Qualities        []Quality
	// оценка времени генерации: BaseSeconds + SecondsPerVideoSecond*duration
	BaseSeconds           int
	SecondsPerVideoSecond int
}

// SupportsQuality проверяет, поддерживает ли модель уровень качества.
func (m ModelSpec) SupportsQuality(q Quality) bool {
	for _, s := range m.Qualities {
		if s == q {
			return true
		}
	}
	return false
}

// Credits считает стоимость генерации: ceil(creditsPerSecond * duration * qualityMultiplier).
// Единственная формула расчета кредитов, используется при приеме задачи, списании и возврате.
func (m ModelSpec) Credits(duration int, quality Quality) int {
	return int(math.Ceil(m.CreditsPerSecond * float64(duration) * quality.Multiplier()))
}

// ModelCatalog - набор моделей, доступных для генерации.
type ModelCatalog map[string]ModelSpec

// DefaultModelCatalog - модели по умолчанию. Версии соответствуют опубликованным у провайдера.
func DefaultModelCatalog() ModelCatalog {
	all := []Quality{QualityStandard, QualityHigh, QualityUltra}
	return ModelCatalog{
		"wan2": {
			Name: "wan2", Version: "wan-video/wan-2.1-t2v-480p",
			CreditsPerSecond: 1, MaxDuration: 10,
			Qualities:   []Quality{QualityStandard, QualityHigh},
			BaseSeconds: 30, SecondsPerVideoSecond: 12,
		},
		"kling": {
			Name: "kling", Version: "kwaivgi/kling-v1.6-standard",
			CreditsPerSecond: 2, MaxDuration: 10,
			Qualities:   all,
			BaseSeconds: 45, SecondsPerVideoSecond: 20,
		},
		"runway": {
			Name: "runway", Version: "runwayml/gen4-turbo",
			CreditsPerSecond: 2, MaxDuration: 10,
			Qualities:   []Quality{QualityStandard, QualityHigh},
			BaseSeconds: 20, SecondsPerVideoSecond: 8,
		},
		"sora": {
			Name: "sora", Version: "openai/sora",
			CreditsPerSecond: 3, MaxDuration: 15,
			Qualities:   all,
			BaseSeconds: 60, SecondsPerVideoSecond: 25,
		},
	}
}

// Lookup ищет модель по имени.
func (c ModelCatalog) Lookup(name string) (ModelSpec, bool) {
	spec, ok := c[name]
	return spec, ok
}

// GenerationRequest - запрос пользователя на генерацию видео.
type GenerationRequest struct {
	Prompt         string  `json:"prompt" validate:"required,max=2000"`
	Duration       int     `json:"duration" validate:"required,oneof=3 5 10 15"`
	Model          string  `json:"model" validate:"required,oneof=wan2 kling runway sora"`
	Quality        Quality `json:"quality" validate:"required,oneof=standard high ultra"`
	Style          string  `json:"style,omitempty" validate:"omitempty,max=64"`
	NegativePrompt string  `json:"negative_prompt,omitempty" validate:"omitempty,max=1000"`
	Seed           *int64  `json:"seed,omitempty" validate:"omitempty,min=0"`
	AspectRatio    string  `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Normalize убирает лишние пробелы и приводит качество по умолчанию.
func (r *GenerationRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.Style = strings.TrimSpace(r.Style)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	if r.Quality == "" {
		r.Quality = QualityStandard
	}
}

// Validate проверяет запрос по тегам и по ограничениям выбранной модели.
// Все ошибки оборачивают ErrValidation.
func (r GenerationRequest) Validate(catalog ModelCatalog) error {
	if err := structValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	spec, ok := catalog.Lookup(r.Model)
	if !ok {
		return fmt.Errorf("%w: unknown model '%s'", ErrValidation, r.Model)
	}
	if r.Duration > spec.MaxDuration {
		return fmt.Errorf("%w: duration %ds exceeds model '%s' maximum of %ds", ErrValidation, r.Duration, r.Model, spec.MaxDuration)
	}
	if !spec.SupportsQuality(r.Quality) {
		return fmt.Errorf("%w: quality '%s' is not supported by model '%s'", ErrValidation, r.Quality, r.Model)
	}
	return nil
}

// SubscriptionTier - тариф пользователя, определяет приоритет в очереди.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierBasic      SubscriptionTier = "basic"
	TierPro        SubscriptionTier = "pro"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// Priority возвращает приоритет задачи. Меньше - раньше.
func (t SubscriptionTier) Priority() int {
	switch t {
	case TierEnterprise:
		return 1
	case TierPremium:
		return 2
	case TierPro:
		return 3
	case TierBasic:
		return 5
	default:
		return 10
	}
}

// PromptEnhancement - улучшение промпта доступно только платным тарифам уровня pro и выше.
func (t SubscriptionTier) PromptEnhancement() bool {
	switch t {
	case TierPro, TierPremium, TierEnterprise:
		return true
	}
	return false
}
