// Package routing keeps the contacts a node knows about, grouped into one
// bucket per shared-prefix length with the local ID.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/KeplerC/capsule-router/pkg/core"
	"github.com/KeplerC/capsule-router/pkg/key"
)

// DefaultBucketSize is the Kademlia k parameter.
const DefaultBucketSize = 20

var (
	ErrSelf           = errors.New("routing: contact is the local node")
	ErrBucketFull     = errors.New("routing: bucket full")
	ErrUnknownContact = errors.New("routing: unknown contact")
)

// Contact is a remote node.
type Contact struct {
	ID       key.Key   `cbor:"id"`
	Address  string    `cbor:"addr"`
	LastSeen time.Time `cbor:"last_seen"`
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID, c.Address)
}

type bucket struct {
	// contacts[0] is the most recently seen.
	contacts  []Contact
	refreshed time.Time
}

func (b *bucket) indexOf(id key.Key) int {
	return slices.IndexFunc(b.contacts, func(c Contact) bool { return c.ID == id })
}

// Table is a Kademlia routing table. Bucket i holds contacts whose distance
// from the local ID has exactly i leading zero bits.
type Table struct {
	self key.Key
	k    int
	gen  *key.Generator
	now  func() time.Time

	mu      sync.RWMutex
	buckets [key.Bits]bucket
}

type Option func(*Table)

// WithBucketSize sets k. Values below one are ignored.
func WithBucketSize(k int) Option {
	return func(t *Table) {
		if k > 0 {
			t.k = k
		}
	}
}

// WithConfig applies the table settings of cfg. A zero BucketSize keeps
// DefaultBucketSize.
func WithConfig(cfg core.RoutingConfig) Option {
	return WithBucketSize(cfg.BucketSize)
}

// WithGenerator sets the generator refresh targets are drawn from.
func WithGenerator(g *key.Generator) Option {
	return func(t *Table) {
		if g != nil {
			t.gen = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTable returns an empty table for the node self. Every bucket starts out
// as refreshed at construction time.
func NewTable(self key.Key, opts ...Option) *Table {
	t := &Table{
		self: self,
		k:    DefaultBucketSize,
		gen:  key.NewGenerator(nil),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	start := t.now()
	for i := range t.buckets {
		t.buckets[i].refreshed = start
	}
	return t
}

func (t *Table) Self() key.Key { return t.self }

func (t *Table) BucketSize() int { return t.k }

// BucketIndex returns the bucket id belongs in.
func (t *Table) BucketIndex(id key.Key) (int, error) {
	i := key.BucketOf(key.Xor(t.self, id))
	if i == key.Bits {
		return 0, ErrSelf
	}
	return i, nil
}

// Add inserts c or, if it is already known, moves it to the front of its
// bucket and updates its address and last-seen time. A zero LastSeen is
// replaced with the current time. Add never evicts: a full bucket returns
// ErrBucketFull and the caller decides whether to ping and Remove the
// least recently seen contact.
func (t *Table) Add(c Contact) error {
	i, err := t.BucketIndex(c.ID)
	if err != nil {
		return err
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[i]
	if pos := b.indexOf(c.ID); pos >= 0 {
		b.contacts = slices.Delete(b.contacts, pos, pos+1)
	} else if len(b.contacts) >= t.k {
		return fmt.Errorf("%w: bucket %d holds %d contacts", ErrBucketFull, i, len(b.contacts))
	}
	b.contacts = slices.Insert(b.contacts, 0, c)
	return nil
}

func (t *Table) Remove(id key.Key) error {
	i, err := t.BucketIndex(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[i]
	pos := b.indexOf(id)
	if pos < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownContact, id)
	}
	b.contacts = slices.Delete(b.contacts, pos, pos+1)
	return nil
}

func (t *Table) Get(id key.Key) (Contact, bool) {
	i, err := t.BucketIndex(id)
	if err != nil {
		return Contact{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	b := &t.buckets[i]
	if pos := b.indexOf(id); pos >= 0 {
		return b.contacts[pos], true
	}
	return Contact{}, false
}

// Len is the number of contacts across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].contacts)
	}
	return n
}

// BucketLen is the number of contacts in bucket i, or 0 when i is out of range.
func (t *Table) BucketLen(i int) int {
	if i < 0 || i >= key.Bits {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[i].contacts)
}

// Bucket returns a copy of bucket i, most recently seen first.
func (t *Table) Bucket(i int) []Contact {
	if i < 0 || i >= key.Bits {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.buckets[i].contacts)
}

// Contacts returns every contact, ordered by bucket and then by recency.
func (t *Table) Contacts() []Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Contact
	for i := range t.buckets {
		out = append(out, t.buckets[i].contacts...)
	}
	return out
}

// Closest returns up to n contacts ordered by XOR distance to target.
func (t *Table) Closest(target key.Key, n int) []Contact {
	if n <= 0 {
		return nil
	}
	all := t.Contacts()
	slices.SortStableFunc(all, func(a, b Contact) int {
		switch {
		case key.Closer(target, a.ID, b.ID):
			return -1
		case key.Closer(target, b.ID, a.ID):
			return 1
		}
		return 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// RefreshTarget returns a random ID that falls in bucket i of this table,
// suitable as the target of a lookup that refreshes the bucket.
func (t *Table) RefreshTarget(i int) (key.Key, error) {
	d, err := t.gen.RandomInBucket(i)
	if err != nil {
		return key.Key{}, err
	}
	return key.Xor(t.self, d), nil
}

// Touch marks bucket i as refreshed now.
func (t *Table) Touch(i int) {
	if i < 0 || i >= key.Bits {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.buckets[i].refreshed = now
	t.mu.Unlock()
}

// StaleBuckets lists, in ascending order, the buckets not refreshed within
// the last olderThan.
func (t *Table) StaleBuckets(olderThan time.Duration) []int {
	cutoff := t.now().Add(-olderThan)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i := range t.buckets {
		if !t.buckets[i].refreshed.After(cutoff) {
			out = append(out, i)
		}
	}
	return out
}
