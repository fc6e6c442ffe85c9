// Package retry — повторные попытки с экспоненциальным бэкофом и джиттером.
// Используется на критическом пути «записать сообщение + обновить счётчики»:
// отказ долговременного стора ретраится ограниченное число раз, после чего
// ошибка отдаётся вызывающему как PersistenceError верхнего уровня.
package retry

import (
	"context"
	"time"

	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/randx"

	"github.com/go-faster/errors"
)

// Policy задаёт стратегию повторов: число попыток, базовую паузу и потолок.
// Пауза перед n-й повторной попыткой: base * 2^n + jitter(0..base).
type Policy struct {
	Attempts int           // всего попыток, включая первую; <=0 трактуется как 1
	Base     time.Duration // базовая пауза
	Max      time.Duration // потолок паузы; 0 — без потолка
}

// DefaultPolicy — политика для записей в долговременный стор: 3 повтора
// после первой попытки, старт с 50 мс.
func DefaultPolicy() Policy {
	return Policy{Attempts: 4, Base: 50 * time.Millisecond, Max: 2 * time.Second}
}

// Do выполняет fn по политике p. Между попытками спит через clk (отменяемо).
// Возвращает nil при первом успехе либо последнюю ошибку с количеством попыток.
func Do(ctx context.Context, clk clock.Clock, rnd randx.Source, p Policy, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if err := clk.Sleep(ctx, backoff(p, rnd, i)); err != nil {
			return err
		}
	}
	return errors.Wrapf(last, "retry: %d attempts exhausted", attempts)
}

// backoff вычисляет паузу перед повтором номер attempt (0-based).
func backoff(p Policy, rnd randx.Source, attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Base > 0 && rnd != nil {
		d += time.Duration(rnd.Float64() * float64(p.Base))
	}
	return d
}
