// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон (IANA и UTC-смещения) и вычисление локального времени
// аккаунта по целочисленному смещению из фингерпринта.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA-таймзону (например, "Europe/Moscow"),
// либо UTC-смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Try IANA first.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	// Try to parse UTC offset forms.
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	// Normalize optional UTC/GMT prefix
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Patterns: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	const (
		secInHour = 60 * 60
		secInMin  = 60
	)
	offset := sign * ((hours * secInHour) + (mins * secInMin))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// FixedOffsetLocation строит фиксированную таймзону по целому смещению в часах.
// Смещение берётся из фингерпринта аккаунта; допустимы отрицательные значения.
func FixedOffsetLocation(offsetHours int) *time.Location {
	name := fmt.Sprintf("UTC%+03d:00", offsetHours)
	return time.FixedZone(name, offsetHours*60*60)
}

// AccountLocal переводит момент t в локальное время аккаунта со смещением offsetHours.
func AccountLocal(t time.Time, offsetHours int) time.Time {
	return t.In(FixedOffsetLocation(offsetHours))
}
