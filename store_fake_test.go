package server

import (
	"context"
	"sync"

	"gathering/server/internal/store"
)

// fakeStore is an in-memory stand-in for the external store, good enough for
// the engines' interfaces. Error fields force the matching operation to fail.
type fakeStore struct {
	mu     sync.Mutex
	ints   map[string]int64
	sets   map[string]map[string]bool
	sorted map[string]map[string]float64

	getErr        error
	incrByErr     error
	setMembersErr error
	setAddErr     error
	pipeErr       error

	// setAddLoses simulates another node winning the unlock race.
	setAddLoses bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ints:   make(map[string]int64),
		sets:   make(map[string]map[string]bool),
		sorted: make(map[string]map[string]float64),
	}
}

func (f *fakeStore) GetInt(_ context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	v, ok := f.ints[key]
	return v, ok, nil
}

func (f *fakeStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrByErr != nil {
		return 0, f.incrByErr
	}
	f.ints[key] += delta
	return f.ints[key], nil
}

func (f *fakeStore) SetMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setMembersErr != nil {
		return nil, f.setMembersErr
	}
	members := make([]string, 0, len(f.sets[key]))
	for member := range f.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (f *fakeStore) SetAdd(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setAddErr != nil {
		return false, f.setAddErr
	}
	if f.setAddLoses {
		return false, nil
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	if f.sets[key][member] {
		return false, nil
	}
	f.sets[key][member] = true
	return true, nil
}

type fakePipe struct {
	f *fakeStore
}

func (p *fakePipe) Set(key, value string) {
	p.f.setString(key, value)
}

func (p *fakePipe) SortedAdd(key string, score float64, member string) {
	if p.f.sorted[key] == nil {
		p.f.sorted[key] = make(map[string]float64)
	}
	p.f.sorted[key][member] = score
}

func (p *fakePipe) SortedRemoveByScore(key string, min, max float64) {
	for member, score := range p.f.sorted[key] {
		if score >= min && score <= max {
			delete(p.f.sorted[key], member)
		}
	}
}

func (f *fakeStore) Pipelined(_ context.Context, fn func(store.Pipeline)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pipeErr != nil {
		return f.pipeErr
	}
	fn(&fakePipe{f: f})
	return nil
}

// setString mirrors a string SET onto the integer table the way the real
// store would parse it back.
func (f *fakeStore) setString(key, value string) {
	var n int64
	for _, ch := range []byte(value) {
		if ch < '0' || ch > '9' {
			return
		}
		n = n*10 + int64(ch-'0')
	}
	f.ints[key] = n
}

func (f *fakeStore) setInt(key string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ints[key] = v
}

func (f *fakeStore) intValue(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ints[key]
}

func (f *fakeStore) hasSetMember(key, member string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key][member]
}

func (f *fakeStore) sortedLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sorted[key])
}
