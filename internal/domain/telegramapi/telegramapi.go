// Package telegramapi — порт исходящих вызовов Telegram для ядра рассылок.
// Ядро не знает про MTProto: ему достаточно интерфейса Sender и замкнутой
// таксономии ошибок. Продакшен-реализация живёт в internal/adapters/telegram
// (gotd); тесты подставляют фейковые отправители с нужными сценариями ошибок.
package telegramapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Sender выполняет один исходящий вызов отправки личного сообщения.
// Контракт: повторный вызов с теми же аргументами допустим (дедупликация —
// забота вызывающего), блокируется не дольше дедлайна контекста.
type Sender interface {
	SendMessage(ctx context.Context, accountID string, targetID int64, text string) error
}

// Замкнутая таксономия терминальных ошибок Telegram. Диспетчер сопоставляет
// их со статусами сообщений; всё нераспознанное трактуется как generic.
var (
	// ErrUserBlocked — получатель заблокировал отправителя.
	ErrUserBlocked = errors.New("telegram: user blocked sender")
	// ErrPrivacyRestricted — настройки приватности запрещают личные сообщения.
	ErrPrivacyRestricted = errors.New("telegram: user privacy restricted")
	// ErrPeerInvalid — идентификатор получателя невалиден или недоступен.
	ErrPeerInvalid = errors.New("telegram: peer id invalid")
	// ErrUserDeactivated — аккаунт получателя удалён/деактивирован.
	ErrUserDeactivated = errors.New("telegram: user deactivated")
	// ErrUserBannedInChannel — отправитель ограничен в правах на отправку.
	ErrUserBannedInChannel = errors.New("telegram: user banned in channel")
)

// FloodWaitError — серверный лимит скорости: Telegram требует паузу.
// Не терминальна: после ожидания отправку следует повторить.
type FloodWaitError struct {
	Seconds int
}

// Error реализует error.
func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %d seconds", e.Seconds)
}

// Duration возвращает требуемую паузу как time.Duration.
func (e *FloodWaitError) Duration() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// AsFloodWait извлекает FloodWaitError из цепочки ошибок.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

// Terminal сообщает, что ошибка терминальна для пары (кампания, цель):
// повтор отправки не имеет смысла.
func Terminal(err error) bool {
	switch {
	case errors.Is(err, ErrUserBlocked),
		errors.Is(err, ErrPrivacyRestricted),
		errors.Is(err, ErrPeerInvalid),
		errors.Is(err, ErrUserDeactivated),
		errors.Is(err, ErrUserBannedInChannel):
		return true
	}
	return false
}
