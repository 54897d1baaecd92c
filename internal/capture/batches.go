package capture

import (
	"tunscope/internal/core/model"
)

// connSlot snapshots a batch entry: the connection id keys the record
// side-table, the tuple survives even after the backend drops the
// connection.
type connSlot struct {
	id    uint64
	tuple model.FiveTuple
	rec   *model.ConnRecord
}

// connArray is one of the two append-only batches staged between loop
// iterations and drained atomically per reporting cycle.
type connArray struct {
	items []connSlot
}

func (a *connArray) add(id uint64, tuple model.FiveTuple, rec *model.ConnRecord) {
	a.items = append(a.items, connSlot{id: id, tuple: tuple, rec: rec})
}

// clearBatch truncates a batch after delivery, releasing the records of
// closed connections (or of every entry, when freeAll is set at teardown).
func (p *Proxy) clearBatch(a *connArray, freeAll bool) {
	for _, slot := range a.items {
		if slot.rec.Status.Closed() || freeAll {
			delete(p.records, slot.id)
		}
	}
	a.items = nil
}
