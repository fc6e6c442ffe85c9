// Package cli — интерактивная операторская консоль платформы.
// Сервис стартует фоном, читает команды из readline и работает поверх фасада
// app: кампании, статусы аккаунтов, ручные карантины, ротация фингерпринтов.
// Start/Stop идемпотентны и корректно встраиваются в жизненный цикл процесса.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-fleet/internal/app"
	"telegram-fleet/internal/domain/campaign"
	"telegram-fleet/internal/domain/quarantine"
	"telegram-fleet/internal/infra/logger"
	"telegram-fleet/internal/infra/pr"
)

// Версия консоли печатается командой version.
const (
	serviceName    = "fleetd"
	serviceVersion = "0.4.0"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "campaigns", description: "List campaigns, optionally filtered: campaigns [status]"},
	{name: "campaign", description: "Show campaign details and stats: campaign <id>"},
	{name: "start", description: "Start a campaign immediately: start <id>"},
	{name: "pause", description: "Pause a running campaign: pause <id>"},
	{name: "resume", description: "Resume a paused campaign: resume <id>"},
	{name: "cancel", description: "Cancel a campaign: cancel <id>"},
	{name: "account", description: "Show account risk and quarantine summary: account <id>"},
	{name: "login", description: "Interactive first-login for an account: login <id>"},
	{name: "quarantine", description: "Quarantine an account: quarantine <id> <minutes> [reason]"},
	{name: "release", description: "Release an account from quarantine: release <id>"},
	{name: "rotate", description: "Rotate account fingerprint: rotate <id>"},
	{name: "warming", description: "Toggle warming mode: warming <id> on|off"},
	{name: "version", description: "Print service version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует консоль. Имеет собственный cancel, запускает цикл
// чтения команд в отдельной горутине и синхронно закрывается через Stop().
type Service struct {
	app       *app.App
	stopApp   context.CancelFunc // внешняя остановка приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль поверх собранного приложения.
func NewService(a *app.App) *Service {
	return &Service{app: a}
}

// Start инициализирует readline и запускает цикл консоли в отдельной горутине.
// stopApp используется как «глобальная» остановка приложения. Повторные
// вызовы безопасно игнорируются.
func (s *Service) Start(ctx context.Context, stopApp context.CancelFunc) {
	s.onceStart.Do(func() {
		if err := pr.Init(); err != nil {
			logger.Errorf("console: readline init failed: %v", err)
			return
		}
		s.stopApp = stopApp
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает консоль: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл консоли: печатает подсказки, устанавливает обработчики
// клавиш и построчно читает команды, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("console run started")
	pr.SetPrompt("fleet> ")
	pr.Println("Console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("console: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("console: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("console: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint:mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую строку и выполняет команду.
// Возвращает true, если команда инициирует завершение консоли ("exit").
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help":
		printCommandHelp()
	case "campaigns":
		s.handleCampaigns(args)
	case "campaign":
		s.handleCampaign(args)
	case "start":
		s.handleTransition(args, name, "started", func(id string) error {
			return s.app.StartCampaign(context.Background(), id)
		})
	case "pause":
		s.handleTransition(args, name, "paused", s.app.PauseCampaign)
	case "resume":
		s.handleTransition(args, name, "resumed", func(id string) error {
			return s.app.ResumeCampaign(context.Background(), id)
		})
	case "cancel":
		s.handleTransition(args, name, "cancelled", s.app.CancelCampaign)
	case "account":
		s.handleAccount(args)
	case "login":
		s.handleLogin(args)
	case "quarantine":
		s.handleQuarantine(args)
	case "release":
		s.handleRelease(args)
	case "rotate":
		s.handleRotate(args)
	case "warming":
		s.handleWarming(args)
	case "version":
		pr.Println(fmt.Sprintf("%s v%s", serviceName, serviceVersion))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

// handleCampaigns печатает список кампаний; первый аргумент — фильтр статуса.
func (s *Service) handleCampaigns(args []string) {
	var status campaign.Status
	if len(args) > 0 {
		status = campaign.Status(args[0])
	}
	list, err := s.app.ListCampaigns(status)
	if err != nil {
		pr.ErrPrintln("campaigns error:", err)
		return
	}
	if len(list) == 0 {
		pr.Println("No campaigns.")
		return
	}
	for _, c := range list {
		pr.Printf("%s  %-10s  %q  targets=%d sent=%d failed=%d blocked=%d\n",
			c.ID, c.Status, c.Name, len(c.TargetIDs), c.SentCount, c.FailedCount, c.BlockedCount)
	}
	pr.Printf("Total campaigns: %d\n", len(list))
}

// handleCampaign печатает кампанию целиком и её агрегированную статистику.
func (s *Service) handleCampaign(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: campaign <id>")
		return
	}
	c, err := s.app.GetCampaign(args[0])
	if err != nil {
		pr.ErrPrintln("campaign error:", err)
		return
	}
	pr.PP(c)

	stats, err := s.app.GetCampaignStats(args[0])
	if err != nil {
		pr.ErrPrintln("stats error:", err)
		return
	}
	pr.Printf("Journal: ")
	for st, n := range stats.ByStatus {
		pr.Printf("%s=%d ", st, n)
	}
	pr.Println()
	if len(stats.Excluded) > 0 {
		pr.Println("Excluded accounts:", strings.Join(stats.Excluded, ", "))
	}
}

// handleTransition — общий обработчик start/pause/resume/cancel.
func (s *Service) handleTransition(args []string, name, verb string, op func(id string) error) {
	if len(args) != 1 {
		pr.ErrPrintln("usage:", name, "<id>")
		return
	}
	if err := op(args[0]); err != nil {
		pr.ErrPrintln(name, "error:", err)
		return
	}
	pr.Printf("Campaign %s %s.\n", args[0], verb)
}

// handleAccount печатает операторскую сводку аккаунта: риск, карантин,
// фингерпринт, конверт активности и историю карантинов.
func (s *Service) handleAccount(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: account <id>")
		return
	}
	st := s.app.GetAccountStatus(args[0])
	pr.Printf("Account %s: risk=%s p(ban)=%.2f sent24h=%d diversity=%.2f warming=%t\n",
		st.AccountID, st.RiskLevel, st.BanProbability, st.Sent24h, st.DiversityScore, st.Warming)
	if st.IsQuarantined {
		pr.Printf("Quarantined until %s\n", st.ReleaseAt.Format(time.RFC3339))
	}
	if st.Fingerprint != "" {
		pr.Println("Fingerprint:", st.Fingerprint)
	}
	pr.Println("Activity:", st.Activity)

	qs, err := s.app.QuarantineStats(args[0])
	if err != nil {
		pr.ErrPrintln("quarantine stats error:", err)
		return
	}
	if qs.TotalQuarantines > 0 {
		pr.Printf("Quarantine history: %d total, %d minutes, last at %s\n",
			qs.TotalQuarantines, qs.TotalMinutes, qs.LastQuarantineAt.Format(time.RFC3339))
	}
}

// handleLogin проходит интерактивную авторизацию аккаунта. Диалог кода и
// пароля идёт через stdin в обход readline, поэтому команда синхронная.
func (s *Service) handleLogin(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: login <id>")
		return
	}
	if err := s.app.AuthorizeAccount(context.Background(), args[0]); err != nil {
		pr.ErrPrintln("login error:", err)
		return
	}
	pr.Printf("Account %s authorized.\n", args[0])
}

// handleQuarantine накладывает ручной карантин: quarantine <id> <minutes> [reason].
func (s *Service) handleQuarantine(args []string) {
	if len(args) < 2 {
		pr.ErrPrintln("usage: quarantine <id> <minutes> [reason]")
		return
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		pr.ErrPrintln("quarantine: minutes must be a positive integer")
		return
	}
	var reason quarantine.Reason
	if len(args) > 2 {
		reason = quarantine.Reason(strings.Join(args[2:], " "))
	}
	if err := s.app.QuarantineAccount(args[0], reason, time.Duration(minutes)*time.Minute); err != nil {
		pr.ErrPrintln("quarantine error:", err)
		return
	}
	pr.Printf("Account %s quarantined for %d minutes.\n", args[0], minutes)
}

// handleRelease снимает карантин досрочно.
func (s *Service) handleRelease(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: release <id>")
		return
	}
	if err := s.app.ReleaseAccount(args[0]); err != nil {
		pr.ErrPrintln("release error:", err)
		return
	}
	pr.Printf("Account %s released.\n", args[0])
}

// handleRotate вручную ротирует фингерпринт аккаунта.
func (s *Service) handleRotate(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: rotate <id>")
		return
	}
	if err := s.app.RotateFingerprint(args[0]); err != nil {
		pr.ErrPrintln("rotate error:", err)
		return
	}
	pr.Printf("Fingerprint of %s rotated.\n", args[0])
}

// handleWarming включает или выключает режим прогрева аккаунта.
func (s *Service) handleWarming(args []string) {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		pr.ErrPrintln("usage: warming <id> on|off")
		return
	}
	s.app.SetAccountWarming(args[0], args[1] == "on")
	pr.Printf("Warming for %s: %s.\n", args[0], args[1])
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-10s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
