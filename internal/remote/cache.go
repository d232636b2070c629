package remote

import (
	"reflect"
	"strconv"
	"sync"
)

// Ungrouped is the null object group. It is distinct from every named
// group, including ConsoleGroup.
const Ungrouped = ""

// ConsoleGroup holds arguments of forwarded console calls.
const ConsoleGroup = "console"

// Entry is a cached remote object.
type Entry struct {
	ID    string
	Group string
	Value Value
}

type identity struct {
	group string
	value Value
}

// Cache maps wire ids to live values. At most one entry exists per
// (value identity, group) pair; ids come from a counter starting at 1 that
// only restarts on Reset.
type Cache struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[string]*Entry
	index   map[identity]string
}

// NewCache creates an empty cache whose first id is "1".
func NewCache() *Cache {
	c := &Cache{}
	c.reset()
	return c
}

// Intern returns the id of v under group, allocating a new entry if the
// pair has not been seen.
func (c *Cache) Intern(v Value, group string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	comparable := isComparable(v)
	if comparable {
		if id, ok := c.index[identity{group: group, value: v}]; ok {
			return id
		}
	}

	id := strconv.FormatUint(c.nextID, 10)
	c.nextID++
	c.entries[id] = &Entry{ID: id, Group: group, Value: v}
	if comparable {
		c.index[identity{group: group, value: v}] = id
	}
	return id
}

// Get returns the entry stored under id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Release removes a single entry. Unknown ids are ignored.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.remove(e)
	}
}

// ReleaseGroup removes every entry of group and returns how many were
// removed.
func (c *Cache) ReleaseGroup(group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Group == group {
			c.remove(e)
			n++
		}
	}
	return n
}

// Reset drops every entry and restarts ids at "1".
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GroupLen returns the number of live entries in group.
func (c *Cache) GroupLen(group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Group == group {
			n++
		}
	}
	return n
}

func (c *Cache) reset() {
	c.nextID = 1
	c.entries = make(map[string]*Entry)
	c.index = make(map[identity]string)
}

// remove must be called with c.mu held.
func (c *Cache) remove(e *Entry) {
	delete(c.entries, e.ID)
	if isComparable(e.Value) {
		key := identity{group: e.Group, value: e.Value}
		if c.index[key] == e.ID {
			delete(c.index, key)
		}
	}
}

// isComparable reports whether v can be used as a map key without
// panicking. Hosts normally hand out pointers, which always are.
func isComparable(v Value) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
