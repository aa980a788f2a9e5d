package gdbx

import "sort"

// pnl is a sorted, ascending page-number list: the fundamental bookkeeping
// primitive for free-space reclamation. A Go slice already carries its own
// length, so unlike the C convention of stashing the count at element zero,
// pnl simply grows and shrinks like any other slice; insert/merge/search all
// preserve ascending order as an invariant.
type pnl []pgno

// search returns the index of the first element >= pn (len(p) if none).
func (p pnl) search(pn pgno) int {
	return sort.Search(len(p), func(i int) bool { return p[i] >= pn })
}

// has reports whether pn is present.
func (p pnl) has(pn pgno) bool {
	i := p.search(pn)
	return i < len(p) && p[i] == pn
}

// insertOne inserts pn keeping the list sorted; a no-op if already present.
func (p *pnl) insertOne(pn pgno) {
	s := *p
	i := s.search(pn)
	if i < len(s) && s[i] == pn {
		return
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:len(s)-1])
	s[i] = pn
	*p = s
}

// insertSpan inserts n consecutive page numbers starting at pn.
func (p *pnl) insertSpan(pn pgno, n int) {
	for i := 0; i < n; i++ {
		p.insertOne(pn + pgno(i))
	}
}

// appendSpan appends n consecutive page numbers, assuming the caller knows
// they sort after the current tail (the common case when pages are retired
// in increasing order within a single scan).
func (p *pnl) appendSpan(pn pgno, n int) {
	for i := 0; i < n; i++ {
		*p = append(*p, pn+pgno(i))
	}
}

// sortNochk restores ascending order after appendSpan-style fast paths are
// mixed with out-of-order inserts. Named after the libmdbx debug-free variant
// since reclamation runs on the write txn's hot path.
func (p pnl) sortNochk() {
	sort.Slice(p, func(i, j int) bool { return p[i] < p[j] })
}

// merge merges src into p in place, preserving ascending order and dropping
// duplicates. Detects the easy case (src lies entirely after p) to avoid an
// allocation on the common append-only path.
func (p *pnl) merge(src pnl) {
	if len(src) == 0 {
		return
	}
	dst := *p
	if len(dst) == 0 {
		cp := make(pnl, len(src))
		copy(cp, src)
		cp.sortNochk()
		*p = cp
		return
	}
	if dst[len(dst)-1] < src[0] {
		*p = append(dst, src...)
		return
	}
	merged := make(pnl, 0, len(dst)+len(src))
	i, j := 0, 0
	for i < len(dst) && j < len(src) {
		switch {
		case dst[i] < src[j]:
			merged = append(merged, dst[i])
			i++
		case dst[i] > src[j]:
			merged = append(merged, src[j])
			j++
		default:
			merged = append(merged, dst[i])
			i++
			j++
		}
	}
	merged = append(merged, dst[i:]...)
	merged = append(merged, src[j:]...)
	*p = merged
}

// maxspan returns the length of the longest run of consecutive page numbers,
// used by the GC updater to decide how densely retired pages can be packed
// into multi-page GC records.
func (p pnl) maxspan() int {
	if len(p) == 0 {
		return 0
	}
	best, run := 1, 1
	for i := 1; i < len(p); i++ {
		if p[i] == p[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// findSpan locates a run of at least n consecutive page numbers and returns
// the first page of the run.
func (p pnl) findSpan(n int) (pgno, bool) {
	if n <= 0 || len(p) < n {
		return 0, false
	}
	run := 1
	for i := 1; i < len(p); i++ {
		if p[i] == p[i-1]+1 {
			run++
			if run >= n {
				return p[i-n+1], true
			}
		} else {
			run = 1
		}
	}
	if n == 1 && len(p) >= 1 {
		return p[0], true
	}
	return 0, false
}

// removeSpan removes n consecutive page numbers starting at pn. The caller
// must have already located the span (e.g. via findSpan).
func (p *pnl) removeSpan(pn pgno, n int) {
	s := *p
	start := s.search(pn)
	if start < 0 || start+n > len(s) {
		return
	}
	*p = append(s[:start], s[start+n:]...)
}

// popLast removes and returns the highest page number; allocPages uses it to
// satisfy single-page allocations from the loose list.
func (p *pnl) popLast() (pgno, bool) {
	s := *p
	if len(s) == 0 {
		return 0, false
	}
	v := s[len(s)-1]
	*p = s[:len(s)-1]
	return v, true
}

// check verifies ascending order and that every entry is below limit; it
// exists for tests and assertions, mirroring the libmdbx pnl_check debug hook.
func (p pnl) check(limit pgno) bool {
	for i, v := range p {
		if v == 0 || v >= limit {
			return false
		}
		if i > 0 && p[i-1] >= v {
			return false
		}
	}
	return true
}

// pagelistLimit is the counterpart of libmdbx's MDBX_PGL_LIMIT. No pnl
// operation or caller checks it: a list that grows past it does not cause
// TxnFull to be returned.
const pagelistLimit = 1 << 30
