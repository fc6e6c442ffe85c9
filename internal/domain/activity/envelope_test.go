package activity_test

import (
	"reflect"
	"testing"
	"time"

	"telegram-fleet/internal/domain/activity"
	"telegram-fleet/internal/infra/randx"
)

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	a := activity.Generate(randx.Seeded(7), "acc", 3)
	b := activity.Generate(randx.Seeded(7), "acc", 3)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different envelopes:\n%#v\n%#v", a, b)
	}
}

func TestGenerateShape(t *testing.T) {
	t.Parallel()

	env := activity.Generate(randx.Seeded(1), "acc", 0)

	for h, m := range env.Hourly {
		if m < 0 || m > 1 {
			t.Fatalf("hour %d multiplier %v out of [0,1]", h, m)
		}
	}
	if env.SleepStart < 0 || env.SleepStart > 3 {
		t.Fatalf("sleep start = %d, want 0..3", env.SleepStart)
	}
	sleepLen := env.SleepEnd - env.SleepStart
	if sleepLen < 0 {
		sleepLen += 24
	}
	if sleepLen < 5 || sleepLen > 8 {
		t.Fatalf("sleep length = %d hours, want 5..8", sleepLen)
	}
}

func TestIsSleeping(t *testing.T) {
	t.Parallel()

	env := &activity.Envelope{SleepStart: 23, SleepEnd: 6}

	cases := []struct {
		name string
		hour int
		want bool
	}{
		{"beforeWindow", 22, false},
		{"atStart", 23, true},
		{"pastMidnight", 3, true},
		{"atEnd", 6, false},
		{"midday", 12, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			at := time.Date(2025, 3, 10, tc.hour, 30, 0, 0, time.UTC)
			if got := env.IsSleeping(at); got != tc.want {
				t.Fatalf("IsSleeping(%02d:30) = %v, want %v", tc.hour, got, tc.want)
			}
		})
	}
}

func TestSleepEndAt(t *testing.T) {
	t.Parallel()

	env := &activity.Envelope{SleepStart: 23, SleepEnd: 6}

	awake := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := env.SleepEndAt(awake); !got.Equal(awake) {
		t.Fatalf("SleepEndAt while awake = %v, want %v", got, awake)
	}

	asleep := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	got := env.SleepEndAt(asleep)
	if got.Hour() != 6 || !got.After(asleep) {
		t.Fatalf("SleepEndAt(%v) = %v, want same-day 06:00", asleep, got)
	}
}

func TestMultiplierZeroWhileSleeping(t *testing.T) {
	t.Parallel()

	env := activity.Generate(randx.Seeded(3), "acc", 0)
	at := time.Date(2025, 3, 10, env.SleepStart, 10, 0, 0, time.UTC)
	if got := env.Multiplier(at); got != 0 {
		t.Fatalf("Multiplier during sleep = %v, want 0", got)
	}
}

func TestShouldSendNowDelayBounds(t *testing.T) {
	t.Parallel()

	env := activity.Generate(randx.Seeded(5), "acc", 0)
	rnd := randx.Seeded(9)
	at := time.Date(2025, 3, 10, 19, 0, 0, 0, time.UTC) // вечерний пик

	for i := 0; i < 200; i++ {
		ok, delay := env.ShouldSendNow(rnd, at)
		if ok {
			if delay != 0 {
				t.Fatalf("positive verdict carries delay %v", delay)
			}
			continue
		}
		// base/(m≤1) не бывает меньше нижней границы базы.
		if delay < 10 {
			t.Fatalf("suggested delay %v below minimum", delay)
		}
	}
}

func TestProviderLazyAndRegenerate(t *testing.T) {
	t.Parallel()

	offsets := func(string) int { return 5 }
	p := activity.NewProvider(randx.Seeded(11), offsets)

	first := p.Envelope("acc")
	if first.TimezoneOffset != 5 {
		t.Fatalf("timezone offset = %d, want 5", first.TimezoneOffset)
	}
	if again := p.Envelope("acc"); again != first {
		t.Fatal("second lookup returned a different envelope")
	}

	p.Regenerate("acc", -3)
	fresh := p.Envelope("acc")
	if fresh == first {
		t.Fatal("regenerate kept the old envelope")
	}
	if fresh.TimezoneOffset != -3 {
		t.Fatalf("regenerated offset = %d, want -3", fresh.TimezoneOffset)
	}
}
