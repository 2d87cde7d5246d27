package cache

import (
	gocache "github.com/patrickmn/go-cache"
)

// DedupIndex remembers every admitted content hash. Admission is a
// compare-and-swap: of two concurrent callers with the same hash exactly
// one wins.
type DedupIndex struct {
	seen *gocache.Cache
}

// NewDedupIndex creates an empty index. Entries never expire.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{seen: gocache.New(gocache.NoExpiration, 0)}
}

// TryAdmit records hash and reports whether it was new
func (d *DedupIndex) TryAdmit(hash string) bool {
	return d.seen.Add(hash, struct{}{}, gocache.NoExpiration) == nil
}

// Contains reports whether hash has been admitted
func (d *DedupIndex) Contains(hash string) bool {
	_, ok := d.seen.Get(hash)
	return ok
}

// Release forgets hash so that a later fetch can admit it again. Used when
// an admitted document could not be committed.
func (d *DedupIndex) Release(hash string) {
	d.seen.Delete(hash)
}

// Seed bulk-loads hashes already committed to the store
func (d *DedupIndex) Seed(hashes []string) int {
	n := 0
	for _, h := range hashes {
		if d.TryAdmit(h) {
			n++
		}
	}
	return n
}

// Len reports the number of admitted hashes
func (d *DedupIndex) Len() int {
	return d.seen.ItemCount()
}
