// Файл sender.go — отправка личных сообщений через MTProto.
// Адаптер реализует порт ядра telegramapi.Sender: резолвит получателя по
// access_hash из хранилища участников, имитирует набор текста, отправляет
// сообщение и переводит ошибки Telegram API в замкнутую таксономию ядра.
package telegram

import (
	"context"
	"time"

	"telegram-fleet/internal/domain/member"
	"telegram-fleet/internal/domain/telegramapi"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/randx"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

// Параметры имитации набора текста.
const (
	typingSecPerChar = 0.06            // средняя скорость набора
	typingMaxWait    = 8 * time.Second // потолок имитации
)

// Sender — отправитель поверх пула клиентов.
type Sender struct {
	pool     *Pool
	members  member.Store
	clk      clock.Clock
	rnd      randx.Source
	typing   bool
	presence *Presence
}

var _ telegramapi.Sender = (*Sender)(nil)

// NewSender создаёт отправителя. typing включает имитацию набора перед
// каждым сообщением; presence (опционально) получает пинг активности на
// каждую отправку, поддерживая онлайн-статус аккаунта.
func NewSender(pool *Pool, members member.Store, clk clock.Clock, rnd randx.Source, typing bool, presence *Presence) *Sender {
	return &Sender{pool: pool, members: members, clk: clk, rnd: rnd, typing: typing, presence: presence}
}

// SendMessage отправляет личное сообщение получателю от имени аккаунта.
func (s *Sender) SendMessage(ctx context.Context, accountID string, targetID int64, text string) error {
	api, err := s.pool.API(accountID)
	if err != nil {
		return errors.Wrap(err, "acquire client")
	}
	if s.presence != nil {
		s.presence.Touch(accountID)
	}

	m, err := s.members.Member(ctx, targetID)
	if err != nil {
		return errors.Wrap(err, "resolve member")
	}
	peer := &tg.InputPeerUser{UserID: m.UserID, AccessHash: m.AccessHash}

	if s.typing {
		s.simulateTyping(ctx, api, peer, text)
	}

	_, err = api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(s.rnd),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// simulateTyping показывает собеседнику «печатает…» пропорционально длине
// текста. Ошибки статуса не влияют на отправку.
func (s *Sender) simulateTyping(ctx context.Context, api *tg.Client, peer tg.InputPeerClass, text string) {
	_, err := api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	})
	if err != nil {
		logger.Debug("set typing failed", zap.Error(err))
		return
	}
	wait := time.Duration(float64(len([]rune(text))) * typingSecPerChar * randx.Uniform(s.rnd, 0.7, 1.3) * float64(time.Second))
	if wait > typingMaxWait {
		wait = typingMaxWait
	}
	_ = s.clk.Sleep(ctx, wait)
}

// classify переводит ошибку Telegram API в таксономию ядра.
func classify(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &telegramapi.FloodWaitError{Seconds: int(wait / time.Second)}
	}
	switch {
	case tgerr.Is(err, "USER_IS_BLOCKED"):
		return telegramapi.ErrUserBlocked
	case tgerr.Is(err, "USER_PRIVACY_RESTRICTED"):
		return telegramapi.ErrPrivacyRestricted
	case tgerr.Is(err, "PEER_ID_INVALID", "INPUT_USER_DEACTIVATED"):
		return telegramapi.ErrPeerInvalid
	case tgerr.Is(err, "USER_DEACTIVATED", "USER_DEACTIVATED_BAN"):
		return telegramapi.ErrUserDeactivated
	case tgerr.Is(err, "USER_BANNED_IN_CHANNEL"):
		return telegramapi.ErrUserBannedInChannel
	default:
		return errors.Wrap(err, "send message")
	}
}

// randomID генерирует random_id отправки. Уникальность в рамках аккаунта
// достаточна: защита от дублей по паре (кампания, цель) живёт в журнале.
func randomID(rnd randx.Source) int64 {
	hi := int64(rnd.IntN(1 << 31))
	lo := int64(rnd.IntN(1 << 31))
	return hi<<31 | lo
}
