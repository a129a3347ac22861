package repository

import (
	"context"

	"casa/pkg/outbox"
)

// OutboxWriter 把事件写进与业务数据相同的事务
type OutboxWriter struct {
	db DBTX
}

func NewOutboxWriter(db DBTX) *OutboxWriter {
	return &OutboxWriter{db: db}
}

func (w *OutboxWriter) Enqueue(ctx context.Context, e *outbox.Event) error {
	return outbox.InsertEvent(ctx, w.db, e)
}
