// Package fingerprint — реестр клиентских фингерпринтов аккаунтов.
// Каждый аккаунт предъявляет Telegram стабильный «паспорт устройства»:
// тип клиента, модель, версии системы/приложения, языковые коды и смещение
// таймзоны. Файл fingerprint.go описывает саму модель и генерацию из пулов
// правдоподобных устройств; персист и ротация — в registry.go.
package fingerprint

import (
	"time"

	"telegram-fleet/internal/infra/randx"
)

// ClientType — тип клиента Telegram, который предъявляет аккаунт.
type ClientType string

// Замкнутый набор типов клиента. Распределение при генерации — примерно
// 60% android / 30% ios / 10% desktop, как в реальной популяции.
const (
	ClientAndroid ClientType = "android"
	ClientIOS     ClientType = "ios"
	ClientDesktop ClientType = "desktop"
)

// DefaultRotationInterval — возраст фингерпринта, после которого он считается
// «несвежим» и подлежит плановой ротации.
const DefaultRotationInterval = 14 * 24 * time.Hour

// mtprotoLayer — номер слоя MTProto, который предъявляется в init connection.
const mtprotoLayer = 181

// Fingerprint — паспорт устройства одного аккаунта. Запись долговременная:
// каденция ротации обязана переживать рестарты процесса.
type Fingerprint struct {
	AccountID      string     `json:"account_id"`
	ClientType     ClientType `json:"client_type"`
	DeviceModel    string     `json:"device_model"`
	SystemVersion  string     `json:"system_version"`
	AppVersion     string     `json:"app_version"`
	LangCode       string     `json:"lang_code"`
	SystemLangCode string     `json:"system_lang_code"`
	Layer          int        `json:"layer"`
	TimezoneOffset int        `json:"timezone_offset"` // целые часы, бывает отрицательным
	CreatedAt      time.Time  `json:"created_at"`
	LastRotatedAt  time.Time  `json:"last_rotated_at"`
	RotationCount  int        `json:"rotation_count"`
}

// DueForRotation сообщает, пора ли ротировать фингерпринт: с момента последней
// ротации прошло не меньше interval.
func (f Fingerprint) DueForRotation(now time.Time, interval time.Duration) bool {
	return now.Sub(f.LastRotatedAt) >= interval
}

// device — элемент пула устройств: модель и диапазон версий системы.
type device struct {
	model          string
	systemVersions []string
}

// Пулы устройств по типам клиента. Модели намеренно массовые: редкий девайс
// сам по себе сигнал для антиспама.
var (
	androidDevices = []device{
		{"Samsung Galaxy S23", []string{"SDK 33", "SDK 34"}},
		{"Samsung Galaxy A54", []string{"SDK 33", "SDK 34"}},
		{"Xiaomi Redmi Note 12", []string{"SDK 31", "SDK 33"}},
		{"Xiaomi 13T", []string{"SDK 33", "SDK 34"}},
		{"Google Pixel 7", []string{"SDK 33", "SDK 34"}},
		{"Google Pixel 8", []string{"SDK 34"}},
		{"OnePlus 11", []string{"SDK 33", "SDK 34"}},
		{"realme 11 Pro", []string{"SDK 33"}},
	}
	iosDevices = []device{
		{"iPhone 13", []string{"16.6", "17.0", "17.4"}},
		{"iPhone 14", []string{"16.6", "17.0", "17.4"}},
		{"iPhone 14 Pro", []string{"17.0", "17.4"}},
		{"iPhone 15", []string{"17.0", "17.4"}},
		{"iPhone SE (3rd generation)", []string{"16.6", "17.0"}},
	}
	desktopDevices = []device{
		{"Desktop", []string{"Windows 10", "Windows 11"}},
		{"MacBook Air", []string{"macOS 13.5", "macOS 14.2"}},
		{"Desktop", []string{"Ubuntu 22.04", "Fedora 39"}},
	}
)

// Версии приложений по типам клиента.
var appVersions = map[ClientType][]string{
	ClientAndroid: {"10.5.0", "10.6.1", "10.8.2", "10.9.0"},
	ClientIOS:     {"10.4", "10.6", "10.8.1"},
	ClientDesktop: {"4.14.9", "4.15.0", "4.16.4"},
}

// langProfile связывает языковой код с набором правдоподобных смещений
// таймзоны: японский аккаунт не должен сидеть в UTC-5.
type langProfile struct {
	lang    string
	offsets []int
}

var langProfiles = []langProfile{
	{"en", []int{-8, -5, 0, 1}},
	{"ru", []int{3, 5, 7}},
	{"es", []int{-6, -3, 1, 2}},
	{"pt", []int{-3, 0, 1}},
	{"de", []int{1, 2}},
	{"fr", []int{1, 2}},
	{"it", []int{1, 2}},
	{"tr", []int{3}},
	{"ar", []int{2, 3, 4}},
	{"hi", []int{5}},
	{"id", []int{7, 8, 9}},
	{"ja", []int{9}},
}

// randomClientType выбирает тип клиента по целевому распределению 60/30/10.
func randomClientType(rnd randx.Source) ClientType {
	switch v := rnd.Float64(); {
	case v < 0.6:
		return ClientAndroid
	case v < 0.9:
		return ClientIOS
	default:
		return ClientDesktop
	}
}

// devicePool возвращает пул устройств для типа клиента.
func devicePool(t ClientType) []device {
	switch t {
	case ClientIOS:
		return iosDevices
	case ClientDesktop:
		return desktopDevices
	default:
		return androidDevices
	}
}

// generate собирает новый фингерпринт для accountID. Пустой preferred означает
// случайный тип по распределению; пустой keepLang — случайный языковой профиль.
// Таймзона выбирается совместно с языком из langProfiles.
func generate(rnd randx.Source, accountID string, preferred ClientType, keepLang string, keepOffset int, now time.Time) Fingerprint {
	clientType := preferred
	if clientType == "" {
		clientType = randomClientType(rnd)
	}

	pool := devicePool(clientType)
	dev := pool[rnd.IntN(len(pool))]
	versions := appVersions[clientType]

	lang := keepLang
	offset := keepOffset
	if lang == "" {
		profile := langProfiles[rnd.IntN(len(langProfiles))]
		lang = profile.lang
		offset = profile.offsets[rnd.IntN(len(profile.offsets))]
	}

	return Fingerprint{
		AccountID:      accountID,
		ClientType:     clientType,
		DeviceModel:    dev.model,
		SystemVersion:  dev.systemVersions[rnd.IntN(len(dev.systemVersions))],
		AppVersion:     versions[rnd.IntN(len(versions))],
		LangCode:       lang,
		SystemLangCode: lang,
		Layer:          mtprotoLayer,
		TimezoneOffset: offset,
		CreatedAt:      now,
		LastRotatedAt:  now,
	}
}

// nextClientType реализует цикл android → ios → desktop → android.
func nextClientType(t ClientType) ClientType {
	switch t {
	case ClientAndroid:
		return ClientIOS
	case ClientIOS:
		return ClientDesktop
	default:
		return ClientAndroid
	}
}
