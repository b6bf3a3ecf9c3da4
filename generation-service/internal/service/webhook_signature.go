package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"videogen-server/shared/models"
)

// Заголовки подписи вебхука провайдера.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

const defaultWebhookTolerance = 5 * time.Minute

// WebhookVerifier проверяет подпись HMAC-SHA256 над "<id>.<timestamp>.<body>".
// Пустой секрет отключает проверку.
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier принимает секрет вида "whsec_<base64>" или произвольную строку.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	v := &WebhookVerifier{tolerance: tolerance, now: time.Now}
	if secret == "" {
		return v, nil
	}
	if encoded, ok := strings.CutPrefix(secret, "whsec_"); ok {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook secret: %w", err)
		}
		v.key = key
	} else {
		v.key = []byte(secret)
	}
	return v, nil
}

// Enabled - задан ли секрет.
func (v *WebhookVerifier) Enabled() bool {
	return v != nil && len(v.key) > 0
}

// Verify проверяет подпись и свежесть отметки времени. Ошибки оборачивают models.ErrWebhookSignature.
func (v *WebhookVerifier) Verify(id, timestamp, signatures string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if id == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing signature headers", models.ErrWebhookSignature)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", models.ErrWebhookSignature)
	}
	if d := v.now().Sub(time.Unix(ts, 0)); d > v.tolerance || d < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", models.ErrWebhookSignature)
	}

	expected := v.sign(id, timestamp, body)
	// заголовок может содержать несколько подписей "v1,<base64>" через пробел
	for _, entry := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", models.ErrWebhookSignature)
}

// Sign возвращает значение заголовка webhook-signature для тела. Используется в тестах и утилитах.
func (v *WebhookVerifier) Sign(id, timestamp string, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(id, timestamp, body))
}

func (v *WebhookVerifier) sign(id, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return mac.Sum(nil)
}
