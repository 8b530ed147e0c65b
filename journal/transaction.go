package journal

import (
	"sync"

	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
)

type txState int32

const (
	txStateNew txState = iota
	txStateCommitting
	txStateCommitted
	txStateCanceled
)

// Transaction is one write-ahead transaction: a TxBegin, zero or more
// TxData writes, and a TxCommit, all sharing one TxId. Commit hands it to
// the journal's background writer and blocks on done until that writer (or
// a direct Cancel) resolves it.
type Transaction struct {
	journal *Journal
	txId    guid.GUID

	mu         sync.Mutex
	state      txState
	dataBlocks []*txBlock
	hooks      []func(error)

	done         chan struct{}
	doneOnce     sync.Once
	commitResult error
}

// Id reports the transaction's TxId.
func (t *Transaction) Id() guid.GUID {
	return t.txId
}

// OnComplete registers fn to run exactly once this transaction's outcome is
// known, with the error Commit will return (nil on success, a Cancelled or
// other kerr.Kind otherwise). Hooks run synchronously before Commit unblocks
// its caller, so collaborators like chunktable.Table can use OnComplete to
// defer applying an in-memory mutation until the on-disk outcome is certain,
// instead of applying it eagerly and risking it surviving a failed commit.
func (t *Transaction) OnComplete(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Write stages data to be journaled at position, splitting it into as many
// block-sized TxData chunks as needed to fit one journal block's payload
// each, per spec.md section 4.3.5 ("Splits the page into block-sized TxData
// chunks ... and appends them to the transaction's data block list").
// Overlapping writes within the same transaction are rejected, per section
// 4.3.8.
func (t *Transaction) Write(position uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txStateNew {
		return kerr.New(kerr.InvalidState)
	}
	if len(data) == 0 {
		return kerr.New(kerr.InvalidValue)
	}

	end := position + uint64(len(data))

	if reservedEnd := (t.journal.start + t.journal.size) * t.journal.blockSize; position < reservedEnd {
		return kerr.New(kerr.Overlap)
	}

	for _, existing := range t.dataBlocks {
		existingEnd := existing.field1 + existing.field2
		if position < existingEnd && existing.field1 < end {
			return kerr.New(kerr.Overlap)
		}
	}

	chunkSize := maxPayload(t.journal.blockSize)
	var chunks []*txBlock
	for off := 0; off < len(data); off += chunkSize {
		n := chunkSize
		if off+n > len(data) {
			n = len(data) - off
		}
		cp := make([]byte, n)
		copy(cp, data[off:off+n])
		chunks = append(chunks, &txBlock{
			txId:   t.txId,
			typ:    txData,
			field1: position + uint64(off),
			field2: uint64(n),
			data:   cp,
		})
	}

	t.dataBlocks = append(t.dataBlocks, chunks...)
	return nil
}

// Commit hands the transaction to the journal's background writer and
// blocks until that writer has durably committed or canceled it, per
// spec.md section 4.3.6.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != txStateNew {
		err := kerr.New(kerr.InvalidState)
		t.mu.Unlock()
		return err
	}
	t.state = txStateCommitting
	t.mu.Unlock()

	if err := t.journal.startCommitTx(t); err != nil {
		t.mu.Lock()
		t.state = txStateCanceled
		hooks := t.hooks
		t.mu.Unlock()

		for _, h := range hooks {
			h(err)
		}

		t.journal.unlinkTx(t)
		return err
	}

	<-t.done

	t.journal.unlinkTx(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitResult
}

// Cancel discards a transaction before it has been handed to the writer.
// Once Commit has been called, only the writer (via onCommitComplete or
// forceCancel) may resolve the transaction, matching spec.md section
// 4.3.5's "cancel is only valid while a transaction is still open".
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	if t.state != txStateNew {
		err := kerr.New(kerr.InvalidState)
		t.mu.Unlock()
		return err
	}
	t.state = txStateCanceled
	hooks := t.hooks
	t.mu.Unlock()

	for _, h := range hooks {
		h(kerr.New(kerr.Cancelled))
	}

	t.journal.unlinkTx(t)
	return nil
}

// onCommitComplete is called exactly once per committed-or-failed batch by
// the writer goroutine. It is idempotent against a concurrent forceCancel:
// whichever of the two runs first resolves the transaction, the other is a
// no-op.
func (t *Transaction) onCommitComplete(err error) {
	t.mu.Lock()
	if t.state != txStateCommitting {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.state = txStateCanceled
	} else {
		t.state = txStateCommitted
	}
	t.commitResult = err
	hooks := t.hooks
	t.mu.Unlock()

	for _, h := range hooks {
		h(err)
	}

	t.doneOnce.Do(func() { close(t.done) })
}

// forceCancel resolves a still-pending transaction with Cancelled, used by
// the writer's drain loop during Stop to unblock any caller waiting in
// Commit, per spec.md section 4.3.6's shutdown behavior.
func (t *Transaction) forceCancel() {
	t.onCommitComplete(kerr.New(kerr.Cancelled))
}
