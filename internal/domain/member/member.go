// Package member — порт к внешнему хранилищу собранных участников.
// Скрейпинг и обогащение профилей — вне ядра; ядру нужны только поля,
// участвующие в подстановке шаблона и адресации отправки.
package member

import "context"

// Member — минимальный профиль цели рассылки. AccessHash приходит со
// скрейпинга: без него MTProto не адресует личное сообщение пользователю.
type Member struct {
	UserID     int64
	AccessHash int64
	Username   string
	FirstName  string
	LastName   string
	Phone      string
}

// Store отдаёт профили по идентификаторам. Batch-вариант нужен диспетчеру,
// чтобы не ходить за каждым профилем отдельно.
type Store interface {
	Member(ctx context.Context, id int64) (Member, error)
	MembersBatch(ctx context.Context, ids []int64) ([]Member, error)
}
