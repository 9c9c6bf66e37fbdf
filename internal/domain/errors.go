package domain

import "errors"

var (
	// ErrNotFound возвращается репозиторием, если строка не найдена.
	ErrNotFound = errors.New("not found")
	// ErrLeaseFenced сигнализирует, что версия аренды устарела и запись отклонена.
	ErrLeaseFenced = errors.New("lease version is stale")
	// ErrAlreadyExists возвращается при нарушении уникальности.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition — переход статуса checkout-сессии не разрешён таблицей переходов.
	ErrInvalidTransition = errors.New("checkout session transition not allowed")
	// ErrTerminalRecord — попытка изменить запись, уже находящуюся в терминальном статусе.
	ErrTerminalRecord = errors.New("record is terminal")
	// ErrPermanentJob — задача не может быть выполнена повторно (неизвестный тип, битый payload).
	ErrPermanentJob = errors.New("job failed permanently")
	// ErrNotDeadLetter — requeue задачи, которая не находится в dead letter.
	ErrNotDeadLetter = errors.New("not in dead letter")
	// ErrProviderResourceMissing — провайдер не знает запрошенный ресурс.
	ErrProviderResourceMissing = errors.New("provider resource missing")
)

// IsLeaseFenced проверяет, является ли ошибка конфликтом версии аренды.
func IsLeaseFenced(err error) bool {
	return errors.Is(err, ErrLeaseFenced)
}

// IsNotFound проверяет, что строка отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
