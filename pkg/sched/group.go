package sched

// Group tracks a set of tasks that are interrupted and drained together.
type Group struct {
	d     *Dispatcher
	tasks map[*Task]struct{}
	empty *Event
}

// NewGroup returns an empty group.
func NewGroup(d *Dispatcher) *Group {
	g := &Group{
		d:     d,
		tasks: make(map[*Task]struct{}),
		empty: NewEvent(d),
	}
	g.empty.Set()
	return g
}

// Spawn starts fn as a member of the group.
func (g *Group) Spawn(fn func(t *Task) error) *Task {
	t := g.d.Spawn(fn)
	g.tasks[t] = struct{}{}
	g.empty.Clear()
	t.onExit(func() {
		delete(g.tasks, t)
		if len(g.tasks) == 0 {
			g.empty.Set()
		}
	})
	return t
}

// Len returns the number of unfinished members.
func (g *Group) Len() int {
	return len(g.tasks)
}

// Interrupt interrupts every unfinished member.
func (g *Group) Interrupt() {
	for t := range g.tasks {
		t.Interrupt()
	}
}

// Wait suspends t until every member has finished. It ignores interrupts so
// that a shutting-down task can still drain its children.
func (g *Group) Wait(t *Task) error {
	for len(g.tasks) > 0 {
		if err := g.empty.wait(t, false); err != nil {
			return err
		}
	}
	return nil
}
