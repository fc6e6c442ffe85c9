package campaign_test

import (
	"reflect"
	"testing"

	"telegram-fleet/internal/domain/campaign"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := campaign.NewTargetQueue([]int64{1, 2, 3})

	var got []int64
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order = %v, want %v", got, want)
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d, want 0", q.Len())
	}
}

func TestQueuePushBackAppends(t *testing.T) {
	t.Parallel()

	q := campaign.NewTargetQueue([]int64{1, 2})
	id, _ := q.Pop()
	q.PushBack(id)

	if got, _ := q.Pop(); got != 2 {
		t.Fatalf("pop = %d, want 2 (returned target goes to the tail)", got)
	}
	if got, _ := q.Pop(); got != 1 {
		t.Fatalf("pop = %d, want 1", got)
	}
}

func TestQueueDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	src := []int64{1, 2, 3}
	q := campaign.NewTargetQueue(src)
	src[0] = 99

	if got, _ := q.Pop(); got != 1 {
		t.Fatalf("pop = %d, want 1 (queue must copy the target list)", got)
	}
}
