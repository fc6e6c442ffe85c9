package campaign_test

import (
	"strings"
	"testing"
	"time"

	"telegram-fleet/internal/domain/campaign"
)

// validCampaign — минимальная корректная спецификация для мутации в кейсах.
func validCampaign() campaign.Campaign {
	return campaign.Campaign{
		ID:         "camp",
		Name:       "Весенняя рассылка",
		Template:   "Привет, {name}!",
		TargetIDs:  []int64{1, 2, 3},
		AccountIDs: []string{"acc-1"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mutate    func(*campaign.Campaign)
		wantField string // пусто — ошибок не ждём
	}{
		{"valid", func(*campaign.Campaign) {}, ""},
		{"emptyName", func(c *campaign.Campaign) { c.Name = "" }, "name"},
		{"longName", func(c *campaign.Campaign) { c.Name = strings.Repeat("x", 201) }, "name"},
		{"noTargets", func(c *campaign.Campaign) { c.TargetIDs = nil }, "target_ids"},
		{"tooManyTargets", func(c *campaign.Campaign) { c.TargetIDs = make([]int64, 10001) }, "target_ids"},
		{"noAccounts", func(c *campaign.Campaign) { c.AccountIDs = nil }, "account_ids"},
		{"tooManyAccounts", func(c *campaign.Campaign) { c.AccountIDs = make([]string, 51) }, "account_ids"},
		{"badHourStart", func(c *campaign.Campaign) { c.ActiveHoursStart = 24 }, "active_hours_start"},
		{"badHourEnd", func(c *campaign.Campaign) { c.ActiveHoursEnd = -1 }, "active_hours_end"},
		{"badActiveDay", func(c *campaign.Campaign) { c.ActiveDays = []int{7} }, "active_days"},
		{"negativeRateDelay", func(c *campaign.Campaign) { c.RateLimitDelay = -time.Second }, "rate_limit_delay"},
		{"recurringWithoutInterval", func(c *campaign.Campaign) { c.Recurring = true }, "recurrence_interval_days"},
		{"badTimezone", func(c *campaign.Campaign) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"badTemplate", func(c *campaign.Campaign) { c.Template = "Привет, {nickname}!" }, "template"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := validCampaign()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var vErr *campaign.ValidationError
			if !asValidationError(err, &vErr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if vErr.Field != tc.wantField {
				t.Fatalf("error field = %q, want %q", vErr.Field, tc.wantField)
			}
		})
	}
}

func asValidationError(err error, target **campaign.ValidationError) bool {
	v, ok := err.(*campaign.ValidationError)
	if ok {
		*target = v
	}
	return ok
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to campaign.Status
		want     bool
	}{
		{campaign.StatusDraft, campaign.StatusQueued, true},
		{campaign.StatusDraft, campaign.StatusRunning, true},
		{campaign.StatusQueued, campaign.StatusRunning, true},
		{campaign.StatusRunning, campaign.StatusPaused, true},
		{campaign.StatusRunning, campaign.StatusCompleted, true},
		{campaign.StatusRunning, campaign.StatusError, true},
		{campaign.StatusPaused, campaign.StatusRunning, true},
		{campaign.StatusError, campaign.StatusRunning, true},
		{campaign.StatusCompleted, campaign.StatusQueued, true},

		{campaign.StatusQueued, campaign.StatusPaused, false},
		{campaign.StatusPaused, campaign.StatusCompleted, false},
		{campaign.StatusCompleted, campaign.StatusRunning, false},

		// Отмена доступна из любого нетерминального состояния.
		{campaign.StatusDraft, campaign.StatusCancelled, true},
		{campaign.StatusRunning, campaign.StatusCancelled, true},
		{campaign.StatusPaused, campaign.StatusCancelled, true},
		{campaign.StatusCompleted, campaign.StatusCancelled, false},
		{campaign.StatusCancelled, campaign.StatusCancelled, false},
	}

	for _, tc := range cases {
		if got := campaign.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	c := campaign.Campaign{Status: campaign.StatusCompleted}
	if !c.Terminal() {
		t.Fatal("completed non-recurring must be terminal")
	}
	c.Recurring = true
	if c.Terminal() {
		t.Fatal("completed recurring must not be terminal")
	}
	c = campaign.Campaign{Status: campaign.StatusCancelled, Recurring: true}
	if !c.Terminal() {
		t.Fatal("cancelled is always terminal")
	}
	c = campaign.Campaign{Status: campaign.StatusRunning}
	if c.Terminal() {
		t.Fatal("running is not terminal")
	}
}

func TestInActiveHours(t *testing.T) {
	t.Parallel()

	monday14 := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	monday23 := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	tuesday03 := time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)
	sunday := time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		c    campaign.Campaign
		now  time.Time
		want bool
	}{
		{
			name: "roundTheClock",
			c:    campaign.Campaign{ActiveHoursStart: 0, ActiveHoursEnd: 0},
			now:  tuesday03,
			want: true,
		},
		{
			name: "dayWindowInside",
			c:    campaign.Campaign{ActiveHoursStart: 9, ActiveHoursEnd: 18},
			now:  monday14,
			want: true,
		},
		{
			name: "dayWindowOutside",
			c:    campaign.Campaign{ActiveHoursStart: 9, ActiveHoursEnd: 18},
			now:  monday23,
			want: false,
		},
		{
			name: "overnightWindowEvening",
			c:    campaign.Campaign{ActiveHoursStart: 22, ActiveHoursEnd: 6},
			now:  monday23,
			want: true,
		},
		{
			name: "overnightWindowMorning",
			c:    campaign.Campaign{ActiveHoursStart: 22, ActiveHoursEnd: 6},
			now:  tuesday03,
			want: true,
		},
		{
			name: "overnightWindowMidday",
			c:    campaign.Campaign{ActiveHoursStart: 22, ActiveHoursEnd: 6},
			now:  monday14,
			want: false,
		},
		{
			name: "weekdaysOnlyMonday",
			c:    campaign.Campaign{ActiveDays: []int{1, 2, 3, 4, 5}},
			now:  monday14,
			want: true,
		},
		{
			name: "weekdaysOnlySunday",
			c:    campaign.Campaign{ActiveDays: []int{1, 2, 3, 4, 5}},
			now:  sunday,
			want: false,
		},
		{
			name: "timezoneShiftsWindow",
			// 14:00 UTC = 17:00 в UTC+3 — окно 9..16 уже закрыто.
			c:    campaign.Campaign{ActiveHoursStart: 9, ActiveHoursEnd: 16, Timezone: "UTC+3"},
			now:  monday14,
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.c.InActiveHours(tc.now); got != tc.want {
				t.Fatalf("InActiveHours(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}
