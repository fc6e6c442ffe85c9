// Файл auth.go — интерактивная авторизация аккаунта при первом входе.
// Терминальный аутентификатор собирает код подтверждения и пароль 2FA из
// консоли; номер телефона известен заранее (он же AccountID). Формат
// номера не валидируется, ожидается E.164.
package telegram

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalAuthenticator реализует auth.UserAuthenticator поверх консоли.
type TerminalAuthenticator struct {
	PhoneNumber string

	reader *bufio.Reader
}

var _ auth.UserAuthenticator = (*TerminalAuthenticator)(nil)

// NewTerminalAuthenticator создаёт аутентификатор для номера телефона.
func NewTerminalAuthenticator(phone string) *TerminalAuthenticator {
	return &TerminalAuthenticator{
		PhoneNumber: phone,
		reader:      bufio.NewReader(os.Stdin),
	}
}

// readLine выводит приглашение и читает строку без пробелов по краям.
func (t *TerminalAuthenticator) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Phone возвращает заранее известный номер телефона.
func (t *TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code запрашивает код подтверждения у оператора.
func (t *TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return t.readLine(fmt.Sprintf("[%s] Enter the code from Telegram: ", t.PhoneNumber))
}

// Password считывает пароль 2FA без отображения вводимых символов.
func (t *TerminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Printf("[%s] Enter 2FA password: ", t.PhoneNumber)
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService выводит условия использования и запрашивает согласие.
func (t *TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := t.readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp вызывается для незарегистрированного номера: собирает имя и
// опциональную фамилию.
func (t *TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := t.readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := t.readLine("Enter your last name (optional): ")
	return auth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}

// Authorize проходит интерактивный вход аккаунта, если сессия ещё не
// авторизована. Повторный вызов с живой сессией — no-op.
func Authorize(ctx context.Context, pool *Pool, accountID string) error {
	p := pool
	p.mu.Lock()
	ac, ok := p.clients[accountID]
	p.mu.Unlock()
	if !ok {
		if _, err := p.API(accountID); err != nil {
			return err
		}
		p.mu.Lock()
		ac = p.clients[accountID]
		p.mu.Unlock()
	}

	flow := auth.NewFlow(NewTerminalAuthenticator(accountID), auth.SendCodeOptions{})
	if err := ac.client.Auth().IfNecessary(ctx, flow); err != nil {
		return errors.Wrapf(err, "authorize account %s", accountID)
	}
	return nil
}
