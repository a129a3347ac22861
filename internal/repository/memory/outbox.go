package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"casa/pkg/outbox"
)

var (
	_ outbox.Store       = (*Store)(nil)
	_ outbox.ReplayStore = (*Store)(nil)
)

type outboxWriter struct{ handle }

func (w outboxWriter) Enqueue(_ context.Context, e *outbox.Event) error {
	return w.write(func(d *data) error {
		e.ID = int64(d.nextID())
		if e.Status == "" {
			e.Status = outbox.StatusPending
		}
		now := w.s.now()
		e.CreatedAt, e.UpdatedAt = now, now
		d.events[e.ID] = *e
		return nil
	})
}

// Events 返回全部 outbox 事件，按写入顺序
func (s *Store) Events() []outbox.Event {
	var out []outbox.Event
	_ = s.with(func(d *data) error {
		for _, e := range d.events {
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) LeasePendingEvents(_ context.Context, limit int, leaseFor time.Duration) ([]*outbox.Event, error) {
	var out []*outbox.Event
	err := s.write(func(d *data) error {
		now := s.now()
		var ids []int64
		for id, e := range d.events {
			if e.Status != outbox.StatusPending {
				continue
			}
			if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		lease := now.Add(leaseFor)
		for _, id := range ids {
			e := d.events[id]
			e.NextRetryAt = &lease
			e.UpdatedAt = now
			d.events[id] = e
			copied := e
			out = append(out, &copied)
		}
		return nil
	})
	return out, err
}

func (s *Store) MarkAsSent(_ context.Context, eventID int64) error {
	return s.write(func(d *data) error {
		e, ok := d.events[eventID]
		if !ok {
			return fmt.Errorf("%w: %d", outbox.ErrEventNotFound, eventID)
		}
		e.Status = outbox.StatusSent
		e.UpdatedAt = s.now()
		d.events[eventID] = e
		return nil
	})
}

func (s *Store) MarkAsFailed(_ context.Context, eventID int64, maxRetries int) error {
	return s.write(func(d *data) error {
		e, ok := d.events[eventID]
		if !ok {
			return fmt.Errorf("%w: %d", outbox.ErrEventNotFound, eventID)
		}
		now := s.now()
		e.RetryCount++
		if e.RetryCount >= maxRetries {
			e.Status = outbox.StatusFailed
			e.NextRetryAt = nil
		} else {
			e.Status = outbox.StatusPending
			next := now.Add(time.Duration(e.RetryCount) * 5 * time.Second)
			e.NextRetryAt = &next
		}
		e.UpdatedAt = now
		d.events[eventID] = e
		return nil
	})
}

func (s *Store) GetEventByID(_ context.Context, eventID int64) (*outbox.Event, error) {
	var out *outbox.Event
	err := s.with(func(d *data) error {
		e, ok := d.events[eventID]
		if !ok {
			return fmt.Errorf("%w: %d", outbox.ErrEventNotFound, eventID)
		}
		out = &e
		return nil
	})
	return out, err
}

func (s *Store) GetFailedEvents(_ context.Context, limit int) ([]*outbox.Event, error) {
	var out []*outbox.Event
	for _, e := range s.Events() {
		if e.Status != outbox.StatusFailed {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
