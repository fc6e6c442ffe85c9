// Package logger — централизованная обёртка над zap для всего приложения.
// Инициализирует уровень и форматирование, умеет дублировать поток логов в файл
// с ротацией (lumberjack). Использует zap.AtomicLevel для динамической смены уровня
// и mutex для потокобезопасной пересборки ядра.

package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu защищает доступ к глобальному состоянию логгера от одновременных изменений.
	mu sync.Mutex
	// log хранит текущий экземпляр zap.Logger, используемый во всём приложении.
	log *zap.Logger
	// logLevel управляет динамическим уровнем логирования без пересоздания ядра.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// fileCore — дополнительное ядро для файлового лога; nil, если файл не настроен.
	fileCore zapcore.Core
	// stdoutWriter определяет поток для стандартного вывода логов.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	// stderrWriter определяет поток для вывода ошибок самого логгера.
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

// FileOptions описывает параметры файлового лога с ротацией.
// Нулевые значения означают значения по умолчанию lumberjack.
type FileOptions struct {
	Path       string // путь к файлу; пустая строка отключает файловый лог
	Level      string // отдельный уровень для файла (debug/info/warn/error)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// consoleEncoderConfig формирует консольный encoder с цветами и коротким caller.
// Формат времени фиксирован (YYYY-MM-DD HH:MM:SS).
func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig — JSON-encoder для файла: без цветов, RFC3339-время,
// пригоден для машинной обработки.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := consoleEncoderConfig()
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	return cfg
}

// parseLevel переводит строковый уровень в zapcore.Level; неизвестные значения → Info.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// rebuildLoggerLocked пересоздаёт глобальный логгер с текущими ядрами и уровнем.
// Предполагается, что вызывающий уже удерживает mu. AddCallerSkip(1) скрывает обёртки
// logger.* в стеке вызовов. Перед заменой предыдущий логгер Sync(), чтобы сбросить буферы.
func rebuildLoggerLocked() {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), stdoutWriter, logLevel)
	if fileCore != nil {
		core = zapcore.NewTee(core, fileCore)
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init инициализирует глобальный zap-логгер и настраивает уровень.
// Допустимые уровни: debug, info (по умолчанию), warn, error; регистр не важен.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(parseLevel(level))
	rebuildLoggerLocked()
}

// InitFile подключает файловый лог с ротацией в дополнение к консольному.
// Пустой Path выключает файловое ядро. Уровень файла независим от консольного.
func InitFile(opts FileOptions) {
	mu.Lock()
	defer mu.Unlock()

	if opts.Path == "" {
		fileCore = nil
		rebuildLoggerLocked()
		return
	}
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	})
	fileCore = zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig()),
		writer,
		zap.NewAtomicLevelAt(parseLevel(opts.Level)),
	)
	rebuildLoggerLocked()
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом обращении.
// Возвращается «сырое» API (не Sugared); предпочтительнее структурированные zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// Sync сбрасывает буферизованные записи. Ошибки Sync на tty игнорируются вызывающими.
func Sync() error { return Logger().Sync() }

// Debug пишет структурированное сообщение уровня Debug.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info пишет структурированное сообщение уровня Info.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn пишет структурированное предупреждение уровня Warn.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error пишет структурированное сообщение об ошибке уровня Error.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет структурированное сообщение уровня Fatal и завершает работу приложения.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync() // Обязательно сбросить буферы перед os.Exit
	os.Exit(1)
}

// Debugf форматирует сообщение через fmt.Sprintf. Используйте экономно:
// форматирование аллоцирует; для горячих путей предпочтительны структурированные поля.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof форматирует сообщение через fmt.Sprintf.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf форматирует сообщение через fmt.Sprintf.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf форматирует сообщение через fmt.Sprintf.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
