package guard

import "context"

// PendingTask names the memories a task needs. It cannot run until Check
// turns it into a CheckedTask.
type PendingTask struct {
	g    *Guard
	keys []string
}

// Task starts a task over keys.
func (g *Guard) Task(keys ...string) *PendingTask {
	return &PendingTask{g: g, keys: append([]string(nil), keys...)}
}

// Check runs the conflict check and, when it passes, returns a runnable task.
func (p *PendingTask) Check(ctx context.Context) (*CheckedTask, error) {
	sc, err := p.g.CheckAndCreateContext(ctx, p.keys)
	if err != nil {
		return nil, err
	}
	return &CheckedTask{g: p.g, sc: sc}, nil
}

// CheckedTask is a task whose memories passed the conflict check. It runs
// once.
type CheckedTask struct {
	g  *Guard
	sc *SafeMemoryContext
}

// Run executes fn with the checked memories.
func (t *CheckedTask) Run(ctx context.Context, fn ExecFunc) error {
	if t.g == nil {
		return ErrForgedContext
	}
	return t.g.Execute(ctx, t.sc, fn)
}
