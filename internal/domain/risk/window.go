// Файл window.go — скользящие окна событий.
// Авторитетная семантика счётчиков — именно скользящая (время события + срок
// жизни), а не календарные сутки: сброс в полночь оставлен только как
// операторское событие учёта и в формуле не участвует.
package risk

import "time"

// eventWindow — счётчик событий со скользящим сроком жизни.
// Хранит отметки времени в порядке поступления; старение выполняется
// супервизорным тиком через Prune. Не потокобезопасен: владелец —
// пер-аккаунтный координатор движка, все вызовы идут под его мьютексом.
type eventWindow struct {
	span  time.Duration
	times []time.Time
}

func newEventWindow(span time.Duration) eventWindow {
	return eventWindow{span: span}
}

// Add регистрирует событие в момент t.
func (w *eventWindow) Add(t time.Time) {
	w.times = append(w.times, t)
}

// Prune выбрасывает события старше окна относительно now.
func (w *eventWindow) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Len возвращает число живых событий.
func (w *eventWindow) Len() int { return len(w.times) }

// Reset очищает окно.
func (w *eventWindow) Reset() { w.times = w.times[:0] }

// recipientEvent — отправка конкретному получателю.
type recipientEvent struct {
	at time.Time
	id int64
}

// recipientWindow — скользящее окно отправок с учётом уникальных получателей.
// Инвариант: Unique() ≤ Total() всегда; counts содержит только живые записи.
type recipientWindow struct {
	span   time.Duration
	events []recipientEvent
	counts map[int64]int
}

func newRecipientWindow(span time.Duration) recipientWindow {
	return recipientWindow{span: span, counts: make(map[int64]int)}
}

// Add регистрирует отправку получателю id в момент t.
func (w *recipientWindow) Add(t time.Time, id int64) {
	w.events = append(w.events, recipientEvent{at: t, id: id})
	w.counts[id]++
}

// Prune выбрасывает отправки старше окна и поддерживает счётчики уникальности.
func (w *recipientWindow) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].at.After(cutoff) {
		ev := w.events[i]
		if n := w.counts[ev.id] - 1; n > 0 {
			w.counts[ev.id] = n
		} else {
			delete(w.counts, ev.id)
		}
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Total возвращает количество отправок в окне.
func (w *recipientWindow) Total() int { return len(w.events) }

// Unique возвращает количество различных получателей в окне.
func (w *recipientWindow) Unique() int { return len(w.counts) }

// MaxPerRecipient возвращает максимум отправок одному получателю в окне.
func (w *recipientWindow) MaxPerRecipient() int {
	maxN := 0
	for _, n := range w.counts {
		if n > maxN {
			maxN = n
		}
	}
	return maxN
}

// SingleContactShare — доля отправок получателям, к которым в окне обратились
// ровно один раз. Используется как response_pattern_score: 1.0 означает,
// что аккаунт никого не «долбит» повторно.
func (w *recipientWindow) SingleContactShare() float64 {
	if len(w.events) == 0 {
		return 1.0
	}
	single := 0
	for _, n := range w.counts {
		if n == 1 {
			single++
		}
	}
	return float64(single) / float64(len(w.events))
}
