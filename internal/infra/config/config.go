// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (платформа массовых рассылок на MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: конфиг среды управляет подключением к Telegram API,
// расположением базы состояния (bbolt) и каталога сессий, скоростными лимитами
// исходящих запросов, логированием и часовой зоной процесса. «Ручки» рисковой
// формулы намеренно живут не здесь, а в risk.Config: они относятся к домену
// и подменяются в тестах целиком.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"telegram-fleet/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учётные данные Telegram API, файлы состояния, лог-уровень,
// ограничения по скорости и часовая зона.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int    // api_id приложения Telegram (my.telegram.org)
	APIHash     string // api_hash приложения Telegram
	DBFile      string // путь к bbolt-базе ядра (кампании, сообщения, карантины, фингерпринты)
	SessionDir  string // каталог MTProto-сессий, по файлу на аккаунт
	LogLevel    string
	ThrottleRPS int    // потолок исходящих RPC в секунду на аккаунт (middleware ratelimit)
	AppTimezone string // часовая зона процесса (IANA или UTC-смещение)
	TestDC      bool   // подключаться к тестовому DC Telegram
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфиг
// не мутирует.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS = 1
	defaultLogLevel    = "info"
	defaultDBFile      = "data/fleet.bbolt"
	defaultSessionDir  = "data/sessions"
	defaultAppTimezone = "UTC"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат
// в singleton cfgInstance. Повторный вызов запрещён (возвращается ошибка),
// чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	dbFile := sanitizeFile("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings)
	sessionDir := sanitizeFile("SESSION_DIR", os.Getenv("SESSION_DIR"), defaultSessionDir, &warnings)
	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		DBFile:      dbFile,
		SessionDir:  sessionDir,
		LogLevel:    logLevel,
		ThrottleRPS: throttleRPS,
		AppTimezone: appTimezone,
		TestDC:      testDC,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile подставляет путь по умолчанию для пустых значений файловых настроек.
func sanitizeFile(name, value, defaultVal string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeTimezone проверяет, что значение распознаётся как IANA-зона либо
// UTC-смещение; иначе возвращается defaultVal с предупреждением.
func sanitizeTimezone(value, defaultVal string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", defaultVal)
		return defaultVal
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env APP_TIMEZONE value %q is invalid; using default %q", v, defaultVal)
		return defaultVal
	}
	return v
}
