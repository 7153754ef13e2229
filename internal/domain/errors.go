package domain

import "errors"

var (
	// ErrSchemaUnavailable: registry недоступен после всех ретраев. Фатально.
	ErrSchemaUnavailable = errors.New("schema unavailable")
	// ErrSchemaMismatch: отпечаток неизвестен или схемы несовместимы.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrMalformedPayload: кадр или тело не разбираются, либо запись невалидна.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrModelUnavailable: артефакт модели не загрузился. Фатально.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrDeliveryFailed: брокер не подтвердил публикацию.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// IsFatal: ошибка останавливает конвейер.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSchemaUnavailable) || errors.Is(err, ErrModelUnavailable)
}

// IsDataError: плохая запись, её отбрасывают, offset подтверждают.
func IsDataError(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrMalformedPayload)
}
