// Файл queue.go — разделяемая очередь оставшихся целей кампании.
// Очередь FIFO под одним мьютексом: её делят все диспетчеры кампании,
// pop атомарен, возврат цели ставит её в конец. Память ограничена
// размером исходного списка целей.
package campaign

import "sync"

// TargetQueue — потокобезопасная очередь целей.
type TargetQueue struct {
	mu      sync.Mutex
	targets []int64
}

// NewTargetQueue создаёт очередь из списка целей в исходном порядке.
func NewTargetQueue(targets []int64) *TargetQueue {
	q := &TargetQueue{targets: make([]int64, len(targets))}
	copy(q.targets, targets)
	return q
}

// Pop снимает следующую цель. ok=false — очередь пуста.
func (q *TargetQueue) Pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.targets) == 0 {
		return 0, false
	}
	id := q.targets[0]
	q.targets = q.targets[1:]
	return id, true
}

// PushBack возвращает цель в конец очереди (floodwait, карантин, сон,
// исчерпанный лимит аккаунта).
func (q *TargetQueue) PushBack(id int64) {
	q.mu.Lock()
	q.targets = append(q.targets, id)
	q.mu.Unlock()
}

// Len возвращает число оставшихся целей.
func (q *TargetQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.targets)
}
