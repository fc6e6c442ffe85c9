// Файл runner.go — оркестрация жизненного цикла процесса.
// Запускает фоновые циклы в правильном порядке (супервизор раньше
// планировщика: sweep карантинов должен идти до первой отправки) и
// обеспечивает корректное завершение: сначала гасятся диспетчеры и циклы,
// затем закрываются подключения и база.
package app

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"telegram-fleet/internal/infra/logger"
)

// Console — интерактивная поверхность поверх приложения (операторская
// консоль). Runner запускает её вместе с фоновыми циклами и гасит при
// завершении. Реализация живёт в adapters, здесь — только контракт.
type Console interface {
	Start(ctx context.Context, stopApp context.CancelFunc)
	Stop()
}

// Runner управляет запуском и остановкой фоновых циклов приложения.
type Runner struct {
	app     *App
	console Console
}

// NewRunner создаёт оркестратор для собранного приложения. console может
// быть nil — тогда процесс работает без интерактивной консоли.
func NewRunner(app *App, console Console) *Runner {
	return &Runner{app: app, console: console}
}

// Run блокируется до SIGINT/SIGTERM или отмены родительского контекста,
// затем выполняет упорядоченный shutdown.
func (r *Runner) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fleet core starting")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.app.supervisor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.app.scheduler.Run(ctx)
	}()

	if r.console != nil {
		r.console.Start(ctx, stop)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if r.console != nil {
		r.console.Stop()
	}

	// Циклы останавливаются отменой контекста; планировщик сам дожидается
	// своих диспетчеров в StopAll.
	wg.Wait()

	if err := r.app.Close(); err != nil {
		logger.Errorf("close app: %v", err)
		return err
	}
	logger.Info("fleet core stopped")
	return nil
}
