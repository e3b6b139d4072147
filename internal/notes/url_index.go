package notes

import (
	"sort"
	"sync"
)

// urlIndex maps URL to the ids of notes carrying it. It is the one piece of
// tree state read from non-owning goroutines, so every access takes mu.
type urlIndex struct {
	mu    sync.Mutex
	byURL map[string]map[int64]struct{}
}

func newURLIndex() *urlIndex {
	return &urlIndex{byURL: make(map[string]map[int64]struct{})}
}

func (x *urlIndex) add(url string, id int64) {
	if url == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.byURL[url]
	if set == nil {
		set = make(map[int64]struct{})
		x.byURL[url] = set
	}
	set[id] = struct{}{}
}

func (x *urlIndex) remove(url string, id int64) {
	if url == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.byURL[url]
	delete(set, id)
	if len(set) == 0 {
		delete(x.byURL, url)
	}
}

func (x *urlIndex) lookup(url string) []int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.byURL[url]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
