package journal

import (
	"github.com/go-kit/log/level"

	"github.com/kstorage/kstor/bio"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// group accumulates the blocks of one TxId while the ring is being scanned.
type group struct {
	data      []*txBlock
	committed bool
}

// Replay scans the ring once from Start+1 to Start+Size, groups contiguous
// blocks by TxId, and re-applies the data blocks of every group that ends in
// a TxCommit. A hash-mismatch on any block stops the scan there: everything
// already applied stays applied, and the unreadable tail is simply dropped
// (a torn write during the last, in-flight batch is expected, not an
// error). A group with no commit block is discarded silently. Load calls
// this once, before the background writer starts, to re-apply whatever a
// prior session committed to the ring but had not yet flushed home.
func (j *Journal) Replay() error {
	groups := make(map[guid.GUID]*group)
	var order []guid.GUID

	for idx := j.start + 1; idx < j.start+j.size; idx++ {
		blk, err := j.readBlockAt(idx)
		if err != nil {
			if kerr.Is(err, kerr.DataCorrupt) {
				level.Debug(j.logger).Log("msg", "replay stopped at torn block", "index", idx)
				break
			}
			return err
		}

		g, ok := groups[blk.txId]
		if !ok {
			g = &group{}
			groups[blk.txId] = g
			order = append(order, blk.txId)
		}

		switch blk.typ {
		case txBegin:
			// Nothing to record beyond starting the group.
		case txData:
			g.data = append(g.data, blk)
		case txCommit:
			g.committed = true
		}
	}

	for _, id := range order {
		g := groups[id]
		if !g.committed {
			continue
		}
		if err := j.applyDataBlocks(g.data); err != nil {
			return err
		}
		j.metrics.replayed.Inc()
	}

	return nil
}

// applyDataBlocks re-writes every data block of a committed transaction
// directly to its home Position, bypassing the journal. commitBatch calls
// this once a batch's ring write is durable, and Replay calls it again for
// every committed group it finds on Load — the second call is always
// idempotent, since it rewrites the same bytes to the same Position.
func (j *Journal) applyDataBlocks(data []*txBlock) error {
	if len(data) == 0 {
		return nil
	}

	list := bio.NewList()

	for _, d := range data {
		if d.field2 > uint64(maxPayload(j.blockSize)) || int(d.field2) != len(d.data) {
			return kerr.New(kerr.DataCorrupt)
		}
		if len(d.data) == 0 {
			continue
		}

		// Re-apply exactly the journaled byte range: the home write must
		// not touch bytes beyond DataSize, so the page here is sized to
		// the payload, not to a full journal block.
		p, err := page.New(len(d.data))
		if err != nil {
			return err
		}
		p.WriteAt(d.data, 0)

		if err := list.AddWrite(j.device, p, int64(d.field1)); err != nil {
			return err
		}
	}

	if err := list.SetFlush(); err != nil {
		return err
	}
	if err := list.Exec(true); err != nil {
		return kerr.Wrap(kerr.IoError, err, "journal: replay apply")
	}
	return nil
}
