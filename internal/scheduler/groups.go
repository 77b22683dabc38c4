package scheduler

import (
	"sync"

	"github.com/dohr-michael/lockbox/internal/store"
)

// A rate-limit group caps how many tasks of its kinds run at once. Counters
// are process-local; they restart at zero and in-flight work is recovered
// through the is_running reset.
type group struct {
	name  string
	limit int
	kinds map[store.TaskKind]bool // nil matches every kind
}

var groups = []group{
	{
		name:  "firefox",
		limit: 3,
		kinds: map[store.TaskKind]bool{
			store.TaskFillForm:        true,
			store.TaskTestFillForm:    true,
			store.TaskGetFormGeometry: true,
		},
	},
	{
		name:  "tdsb_connects",
		limit: 7,
		kinds: map[store.TaskKind]bool{
			store.TaskFillForm:        true,
			store.TaskCheckDay:        true,
			store.TaskPopulateCourses: true,
			store.TaskTestFillForm:    true,
		},
	},
	{
		name:  "global",
		limit: 10,
	},
}

func (g *group) matches(kind store.TaskKind) bool {
	return g.kinds == nil || g.kinds[kind]
}

type groupCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func newGroupCounters() *groupCounters {
	return &groupCounters{counts: make(map[string]int)}
}

// tryAcquire increments every group matching kind, or none when any matching
// group is at its limit. It returns the name of the saturated group.
func (c *groupCounters) tryAcquire(kind store.TaskKind) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range groups {
		if g.matches(kind) && c.counts[g.name] >= g.limit {
			return g.name, false
		}
	}
	for _, g := range groups {
		if g.matches(kind) {
			c.counts[g.name]++
		}
	}
	return "", true
}

func (c *groupCounters) release(kind store.TaskKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range groups {
		if g.matches(kind) {
			c.counts[g.name]--
		}
	}
}
