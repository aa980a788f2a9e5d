package gdbx

import "encoding/binary"

// gc.go implements the free-space reclamation engine described for the
// hidden FreeDBI tree: the allocator that hands out page numbers to a write
// transaction, and the "rerere" updater that returns everything the
// transaction no longer needs back into GC records at commit.
//
// GC records live in the FreeDBI tree (an INTEGERKEY table) keyed by the
// 8-byte big-endian txnid that retired the pages, with a value of a
// uint32 count followed by that many little-endian page numbers. Records
// are only eligible for reclamation once their key is <= the oldest
// snapshot still held open by a reader, so a long-lived reader directly
// throttles reuse of the pages it might still be looking at.

// maxGCValuePages is the largest pgno count a single non-bigfoot GC record
// holds before the retired list must be split across multiple records
// ("bigfoot" encoding) at descending txnid keys.
func (txn *Txn) maxGCValuePages() int {
	ps := int(txn.env.pageSize)
	// Leave slack below the true per-page capacity so a record plus its
	// leaf-node header never forces an unwanted overflow page.
	return (ps - 64) / 4
}

func gcKey(tid txnid) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(tid))
	return b
}

func gcKeyTxnid(key []byte) txnid {
	return txnid(binary.BigEndian.Uint64(key))
}

func encodeGCValue(pages pnl) []byte {
	b := make([]byte, 4+4*len(pages))
	putUint32LE(b, uint32(len(pages)))
	for i, pg := range pages {
		putUint32LE(b[4+4*i:], uint32(pg))
	}
	return b
}

func decodeGCValue(data []byte) pnl {
	if len(data) < 4 {
		return nil
	}
	n := int(getUint32LE(data))
	if 4+4*n > len(data) {
		n = (len(data) - 4) / 4
	}
	out := make(pnl, n)
	for i := 0; i < n; i++ {
		out[i] = pgno(getUint32LE(data[4+4*i:]))
	}
	return out
}

// gcCursor lazily opens (and caches on the txn) an internal cursor bound to
// FreeDBI. FreeDBI is off limits to Txn.Get/Put but not to OpenCursor, which
// is exactly the seam GC maintenance is meant to use.
func (txn *Txn) gcCursor() (*Cursor, error) {
	if txn.gcCur != nil {
		return txn.gcCur, nil
	}
	c, err := txn.OpenCursor(FreeDBI)
	if err != nil {
		return nil, err
	}
	txn.gcCur = c
	return c, nil
}

func (txn *Txn) closeGCCursor() {
	if txn.gcCur != nil {
		txn.gcCur.Close()
		txn.gcCur = nil
	}
}

// maxPgno returns the highest page number the datafile may ever grow to, or
// 0 if unbounded.
func (e *Env) maxPgno() pgno {
	if e.geoUpper == 0 || e.pageSize == 0 {
		return 0
	}
	return pgno(e.geoUpper / uint64(e.pageSize))
}

// retirePage records pn as no longer used by the live tree. Pages allocated
// and then freed again within this same transaction (pn was never visible
// to any committed snapshot) are "loose" and immediately reusable; older
// pages become "retired" and must wait for gcUpdate to hand them to GC.
func (txn *Txn) retirePage(pn pgno) {
	if pn >= txn.snapAllocatedPg {
		txn.loosePages = append(txn.loosePages, pn)
		return
	}
	txn.retired.insertOne(pn)
}

// retireSpan is retirePage for a contiguous run, used when freeing overflow
// ("LARGE") runs.
func (txn *Txn) retireSpan(pn pgno, n int) {
	for i := 0; i < n; i++ {
		txn.retirePage(pn + pgno(i))
	}
}

// allocPages satisfies an allocation request for n consecutive page numbers,
// in the preference order set out for the GC allocator: the reclaimed PNL,
// then unconsumed GC records (gated by the oldest live reader), then loose
// pages for single-page requests, then growing the file, then (as a last
// resort) asking the HSR callback to nudge a lagging reader before retrying.
func (txn *Txn) allocPages(n int) (pgno, error) {
	if n <= 0 {
		n = 1
	}
	if pg, ok := txn.reclaimed.findSpan(n); ok {
		txn.reclaimed.removeSpan(pg, n)
		return pg, nil
	}

	if err := txn.reclaimFromGC(n); err != nil && !IsNotFound(err) {
		return 0, err
	}
	if pg, ok := txn.reclaimed.findSpan(n); ok {
		txn.reclaimed.removeSpan(pg, n)
		return pg, nil
	}

	if n == 1 {
		if pg, ok := txn.loosePages.popLast(); ok {
			return pg, nil
		}
	}

	pg := txn.allocatedPg
	if upper := txn.env.maxPgno(); upper > 0 && uint64(pg)+uint64(n) > uint64(upper) {
		oldest := txn.env.lockFile.oldestReader()
		ousted := false
		if txn.env.hsrCallback != nil {
			ousted = txn.env.hsrCallback(txn.env, oldest)
		} else {
			// No custom handler installed: fall back to the built-in policy
			// of ousting the oldest parked reader pinning this snapshot.
			ousted = txn.env.lockFile.oustParkedReader(oldest)
		}
		if ousted {
			if err := txn.reclaimFromGC(n); err != nil && !IsNotFound(err) {
				return 0, err
			}
			if pg2, ok := txn.reclaimed.findSpan(n); ok {
				txn.reclaimed.removeSpan(pg2, n)
				return pg2, nil
			}
		}
		return 0, ErrMapFullError
	}
	txn.allocatedPg += pgno(n)
	return pg, nil
}

// reclaimFromGC pulls GC records whose key (the retiring txnid) is at or
// below the oldest live reader's snapshot into txn.reclaimed, deleting each
// consumed record and remembering its txnid in reclaimedTxnids so gcUpdate
// can reuse those keys when it returns the leftovers.
//
// Consumption order is FIFO (oldest txnid first) unless LIFORECLAIM is set,
// in which case the most-recently-written records are drained first -
// friendlier to a disk write-back cache because it keeps the hot working
// set of GC pages small.
func (txn *Txn) reclaimFromGC(need int) error {
	horizon := txn.oldestLiveReader()

	cur, err := txn.gcCursor()
	if err != nil {
		return err
	}

	lifo := txn.env.flags&LifoReclaim != 0
	op := First
	if lifo {
		op = Last
	}

	for len(txn.reclaimed) < need {
		key, val, err := cur.Get(nil, nil, op)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		op = Next
		if lifo {
			op = Prev
		}

		tid := gcKeyTxnid(key)
		if tid > horizon {
			if lifo {
				// Still descending towards eligible records.
				continue
			}
			// FIFO: records only get newer from here, nothing more to take.
			return nil
		}

		pages := decodeGCValue(val)
		if err := cur.Del(0); err != nil {
			return err
		}
		txn.reclaimed.merge(pages)
		txn.reclaimedTxnids = append(txn.reclaimedTxnids, tid)
	}
	return nil
}

// oldestLiveReader returns the oldest snapshot any reader (in this process'
// lock file) might still be using; GC records newer than this must not be
// reclaimed.
func (txn *Txn) oldestLiveReader() txnid {
	oldest := txn.env.lockFile.oldestReader()
	if oldest == 0 || oldest == ^uint64(0) {
		// No active readers: everything up to (but not including) our own
		// new txnid is reclaimable.
		return txn.txnID - 1
	}
	return txnid(oldest)
}

// gcUpdateMaxLoops bounds the rerere loop (reservation can itself consume
// reclaimed pages, requiring another pass); libmdbx bounds this at 42.
const gcUpdateMaxLoops = 42

// gcUpdate is the "rerere" step run once per top-level commit: it folds
// loose pages into the reclaimed/retired bookkeeping, writes retired_pages
// into GC (splitting into "bigfoot" chunks at descending txnid keys if one
// record can't hold them all), and returns any unconsumed reclaimed pages to
// GC under recycled txnid keys so they aren't simply leaked. The loop
// repeats because writing GC records can itself allocate new GC tree pages,
// which may need to come from the very pool being replenished.
func (txn *Txn) gcUpdate() error {
	if len(txn.retired) == 0 && len(txn.reclaimed) == 0 && len(txn.loosePages) == 0 {
		return nil
	}

	cur, err := txn.gcCursor()
	if err != nil {
		return err
	}
	defer txn.closeGCCursor()

	for loop := 0; loop < gcUpdateMaxLoops; loop++ {
		// Refund: loose pages at the very tail of the file can simply shrink
		// first_unallocated instead of round-tripping through GC ("online
		// compaction" of the transaction's own scratch allocations).
		txn.refundTrailingLoose()

		// Merge whatever loose pages remain into retired; by commit time a
		// loose page has the same fate as a retired one: it must be handed
		// back to GC for some future transaction to reuse.
		if len(txn.loosePages) > 0 {
			txn.retired.merge(txn.loosePages)
			txn.loosePages = txn.loosePages[:0]
		}

		if len(txn.retired) > 0 {
			if err := txn.storeRetired(cur); err != nil {
				return err
			}
		}

		if len(txn.reclaimed) == 0 {
			return nil
		}

		progressed, err := txn.returnReclaimed(cur)
		if err != nil {
			return err
		}
		if !progressed && len(txn.reclaimed) == 0 {
			return nil
		}
		if !progressed {
			// Nothing could be reserved (no spare txnid keys and dense mode
			// also made no progress) - further looping cannot help.
			return nil
		}
	}
	return NewError(ErrTxnFull)
}

// refundTrailingLoose shrinks allocatedPg when the highest loose pages are
// exactly the pages most recently allocated at the end of the file, so they
// never need to round-trip through a GC record at all.
func (txn *Txn) refundTrailingLoose() {
	if len(txn.loosePages) == 0 {
		return
	}
	loose := pnl(append([]pgno(nil), txn.loosePages...))
	loose.sortNochk()
	kept := txn.loosePages[:0]
	next := txn.allocatedPg
	trimmed := make(map[pgno]bool, len(loose))
	for i := len(loose) - 1; i >= 0; i-- {
		if loose[i] == next-1 {
			next--
			trimmed[loose[i]] = true
			continue
		}
		break
	}
	if len(trimmed) == 0 {
		return
	}
	for _, pg := range txn.loosePages {
		if !trimmed[pg] {
			kept = append(kept, pg)
		}
	}
	txn.loosePages = kept
	txn.allocatedPg = next
}

// storeRetired writes txn.retired into GC under key=txn.txnID, splitting
// across multiple "bigfoot" records at descending keys (txnID, txnID-1, ...)
// when the list is too large for one record. Those synthetic keys are safe
// as long as they stay below cachedOldest - see the open question recorded
// in DESIGN.md about bigfoot chunk count bounds.
func (txn *Txn) storeRetired(cur *Cursor) error {
	maxPages := txn.maxGCValuePages()
	pages := txn.retired
	txn.retired = nil
	txn.retiredPageCount += uint64(len(pages))

	if len(pages) <= maxPages {
		return cur.Put(gcKey(txn.txnID), encodeGCValue(pages), 0)
	}

	tid := txn.txnID
	for len(pages) > 0 {
		n := maxPages
		if n > len(pages) {
			n = len(pages)
		}
		chunk := pages[:n]
		pages = pages[n:]
		if err := cur.Put(gcKey(tid), encodeGCValue(chunk), 0); err != nil {
			return err
		}
		if tid == 0 {
			return NewError(ErrTxnFull)
		}
		tid--
	}
	return nil
}

// returnReclaimed hands back leftover reclaimed pages (pulled from GC
// earlier in this txn, or still sitting around from a previous loop
// iteration, but never spent on an allocation) under recycled txnid keys.
// It prefers the txnids freed up by reclaimFromGC (ready4reuse); once those
// run out it searches for unused txnid gaps between the oldest reader's
// snapshot and the current txnid, and
// falls back to dense packing if there still aren't enough slots.
//
// Returns whether it made forward progress, so gcUpdate knows whether
// another loop iteration is worthwhile.
func (txn *Txn) returnReclaimed(cur *Cursor) (bool, error) {
	if len(txn.reclaimed) == 0 {
		return false, nil
	}

	maxPages := txn.maxGCValuePages()
	needed := (len(txn.reclaimed) + maxPages - 1) / maxPages

	keys := txn.reclaimedTxnids
	txn.reclaimedTxnids = nil

	if len(keys) < needed {
		more := txn.gcSearchHoles(needed-len(keys), cur)
		keys = append(keys, more...)
	}

	if len(keys) < needed {
		return txn.gcHandleDense(cur, keys)
	}

	progressed := false
	for _, tid := range keys {
		if len(txn.reclaimed) == 0 {
			break
		}
		n := maxPages
		if n > len(txn.reclaimed) {
			n = len(txn.reclaimed)
		}
		chunk := txn.reclaimed[:n]
		txn.reclaimed = txn.reclaimed[n:]
		if err := cur.Put(gcKey(tid), encodeGCValue(chunk), 0); err != nil {
			return progressed, err
		}
		progressed = true
	}
	return progressed, nil
}

// gcSearchHoles scans backwards from the current txnid for keys that are
// not present in GC, up to `need` of them, to use as reservation slots when
// reclaimedTxnids has run dry.
func (txn *Txn) gcSearchHoles(need int, cur *Cursor) []txnid {
	if need <= 0 {
		return nil
	}
	horizon := txn.oldestLiveReader()
	holes := make([]txnid, 0, need)
	for tid := txn.txnID - 1; tid > 0 && tid >= horizon && len(holes) < need; tid-- {
		if _, _, err := cur.Get(gcKey(tid), nil, Set); IsNotFound(err) {
			holes = append(holes, tid)
		}
	}
	return holes
}

// gcHandleDense is reached when there are fewer spare txnid slots than
// chunks needed to hold the leftover reclaimed pages at the normal chunk
// size: it fills the slots in list order, maxGCValuePages pages each, and
// gives the last slot every page that is left, so that one record can carry
// more pages than maxGCValuePages, trading GC-record size for slot count.
// The contiguity of page runs is not considered when filling a record.
// This is a best-effort packer rather than the full recursive
// histogram solver used for libmdbx's gc_handle_dense; see DESIGN.md.
func (txn *Txn) gcHandleDense(cur *Cursor, keys []txnid) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}

	progressed := false
	remaining := len(keys)
	for remaining > 0 && len(txn.reclaimed) > 0 {
		remaining--
		tid := keys[len(keys)-1-remaining]

		// Give the last available slot everything that's left; earlier
		// slots still use the normal chunk size so we don't starve them.
		n := txn.maxGCValuePages()
		if remaining == 0 || n > len(txn.reclaimed) {
			n = len(txn.reclaimed)
		}
		chunk := txn.reclaimed[:n]
		txn.reclaimed = txn.reclaimed[n:]
		if err := cur.Put(gcKey(tid), encodeGCValue(chunk), 0); err != nil {
			return progressed, err
		}
		progressed = true
	}
	return progressed, nil
}
