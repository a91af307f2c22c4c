package loader

import "github.com/google/uuid"

// TaskStatus is the lifecycle state of a scheduled load task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskLoading   TaskStatus = "loading"
	TaskCompleted TaskStatus = "completed"
)

// Task is one unit of asynchronous work submitted to the Scheduler. The run
// function executes on its own goroutine and must invoke done exactly once;
// a second invocation is ignored. Tasks are compared by identity.
type Task struct {
	id     string
	status TaskStatus
	run    func(done func(error))
	// onDone is invoked on the scheduler's goroutine after the task is
	// removed from the queue.
	onDone func(error)
	err    error
}

// NewTask wraps run in a pending task.
func NewTask(run func(done func(error))) *Task {
	return &Task{id: uuid.NewString(), status: TaskPending, run: run}
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Status() TaskStatus { return t.status }
func (t *Task) Err() error         { return t.err }

// Scheduler admits pending tasks in submission order while keeping the
// number of running tasks at or below the configured cap. All methods must
// be called from the owning event loop; post routes task completions back
// onto that loop.
type Scheduler struct {
	limit int
	post  func(func())
	tasks []*Task
}

// NewScheduler builds a scheduler with the given concurrency cap (minimum 1).
func NewScheduler(limit int, post func(func())) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{limit: limit, post: post}
}

// Submit appends t to the queue unless it is already present.
func (s *Scheduler) Submit(t *Task) {
	for _, x := range s.tasks {
		if x == t {
			return
		}
	}
	s.tasks = append(s.tasks, t)
}

// Len returns the number of submitted, not yet completed tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Loading returns the number of tasks currently running.
func (s *Scheduler) Loading() int {
	n := 0
	for _, t := range s.tasks {
		if t.status == TaskLoading {
			n++
		}
	}
	return n
}

// Limit returns the configured concurrency cap.
func (s *Scheduler) Limit() int { return s.limit }

// Clear empties the queue unconditionally. Running tasks are not cancelled;
// only their queue bookkeeping is dropped, and their onDone hooks still fire
// so owners can release in-flight state.
func (s *Scheduler) Clear() { s.tasks = nil }

// Pump starts pending tasks in submission order until the cap is reached or
// no pending work remains.
func (s *Scheduler) Pump() {
	loading := s.Loading()
	for loading < s.limit {
		t := s.firstPending()
		if t == nil {
			return
		}
		t.status = TaskLoading
		loading++
		go t.run(s.finisher(t))
	}
}

func (s *Scheduler) firstPending() *Task {
	for _, t := range s.tasks {
		if t.status == TaskPending {
			return t
		}
	}
	return nil
}

// finisher returns the one-shot done callback for t: it marks the task
// completed, removes it from the queue, fires the owner hook, and pumps
// again to admit the next pending task.
func (s *Scheduler) finisher(t *Task) func(error) {
	return func(err error) {
		s.post(func() {
			if t.status == TaskCompleted {
				return
			}
			t.status = TaskCompleted
			t.err = err
			s.remove(t)
			if t.onDone != nil {
				t.onDone(err)
			}
			s.Pump()
		})
	}
}

func (s *Scheduler) remove(t *Task) {
	for i, x := range s.tasks {
		if x == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}
