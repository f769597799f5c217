package sched

// runQueue is a bounded FIFO of task control blocks backed by a ring.
type runQueue struct {
	slots       [MaxTasks]*Task
	head, count int
}

func (q *runQueue) len() int { return q.count }

// push appends t to the tail of the queue.
func (q *runQueue) push(t *Task) {
	q.slots[(q.head+q.count)%MaxTasks] = t
	q.count++
}

// pop removes the task at the head of the queue. It returns nil if the queue
// is empty.
func (q *runQueue) pop() *Task {
	if q.count == 0 {
		return nil
	}

	t := q.slots[q.head]
	q.slots[q.head] = nil
	q.head = (q.head + 1) % MaxTasks
	q.count--
	return t
}

// remove drops t from the queue while preserving the order of the remaining
// tasks. It returns false if t is not queued.
func (q *runQueue) remove(t *Task) bool {
	for i := 0; i < q.count; i++ {
		if q.slots[(q.head+i)%MaxTasks] != t {
			continue
		}

		for j := i; j < q.count-1; j++ {
			q.slots[(q.head+j)%MaxTasks] = q.slots[(q.head+j+1)%MaxTasks]
		}
		q.count--
		q.slots[(q.head+q.count)%MaxTasks] = nil
		return true
	}

	return false
}

// WaitQueue holds the tasks blocked on a particular condition, in the order
// they blocked. The zero value is an empty queue.
type WaitQueue struct {
	head, tail *Task
}

// Len returns the number of blocked tasks.
func (wq *WaitQueue) Len() int {
	var n int
	for t := wq.head; t != nil; t = t.nextWaiter {
		n++
	}
	return n
}

func (wq *WaitQueue) enqueue(t *Task) {
	t.waitQueue = wq
	t.nextWaiter = nil
	if wq.tail == nil {
		wq.head = t
	} else {
		wq.tail.nextWaiter = t
	}
	wq.tail = t
}

func (wq *WaitQueue) remove(t *Task) {
	var prev *Task
	for cur := wq.head; cur != nil; prev, cur = cur, cur.nextWaiter {
		if cur != t {
			continue
		}

		if prev == nil {
			wq.head = cur.nextWaiter
		} else {
			prev.nextWaiter = cur.nextWaiter
		}
		if wq.tail == cur {
			wq.tail = prev
		}
		break
	}

	t.waitQueue = nil
	t.nextWaiter = nil
}

// WakeOne makes the task that blocked first on the queue ready and delivers
// signal to it. It returns false if no task was waiting.
func (wq *WaitQueue) WakeOne(signal WakeSignal) bool {
	if wq.head == nil {
		return false
	}

	Wake(wq.head, signal)
	return true
}

// WakeAll makes every task blocked on the queue ready and delivers signal to
// them.
func (wq *WaitQueue) WakeAll(signal WakeSignal) {
	for wq.head != nil {
		Wake(wq.head, signal)
	}
}
