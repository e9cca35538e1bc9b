package loader

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
)

// batch commits the rows of one entity every size rows. Cancellation of the
// load is checked before every commit.
type batch struct {
	tx     Transactor
	entity string
	size   int
	parent context.Context

	// ctx carries the open transaction
	ctx      context.Context
	current  database.Batch
	rows     int
	total    int
	onCommit func()
}

func newBatch(ctx context.Context, tx Transactor, entity string, size int) (*batch, error) {
	b := &batch{tx: tx, entity: entity, size: size, parent: ctx}
	return b, b.open()
}

func (b *batch) open() error {
	ctx, current, err := b.tx.BeginBatch(b.parent)
	if err != nil {
		return err
	}
	b.ctx = ctx
	b.current = current
	return nil
}

// add counts an inserted row and commits when the batch is full.
func (b *batch) add() error {
	b.rows++
	if b.rows < b.size {
		return nil
	}
	if err := b.commit(); err != nil {
		return err
	}
	return b.open()
}

func (b *batch) commit() error {
	if err := b.parent.Err(); err != nil {
		b.rollback()
		return err
	}
	if err := b.current.Commit(b.ctx); err != nil {
		return err
	}
	b.current = nil

	metrics.RecordBatchCommit(b.entity)
	metrics.RecordLoaderRows(b.entity, b.rows)
	b.total += b.rows
	b.rows = 0
	if b.onCommit != nil {
		b.onCommit()
	}
	return nil
}

// close commits the remaining rows.
func (b *batch) close() error {
	if b.current == nil {
		return nil
	}
	return b.commit()
}

// rollback discards uncommitted rows. It is a no-op after a commit.
func (b *batch) rollback() {
	if b.current == nil {
		return
	}
	_ = b.current.Rollback(b.ctx)
	b.current = nil
}
