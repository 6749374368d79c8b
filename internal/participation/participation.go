// Package participation tracks the local user's last bid per lot. It lives
// beside the catalog rather than inside it: catalog lots are replaced on every
// fetch, participation lasts for the whole session.
package participation

type Table struct {
	bids map[string]int64
}

func New() *Table {
	return &Table{bids: make(map[string]int64)}
}

// Last returns the last local bid on the lot, 0 when there is none.
func (t *Table) Last(lotID string) int64 {
	return t.bids[lotID]
}

func (t *Table) Record(lotID string, amount int64) {
	if amount == 0 {
		delete(t.bids, lotID)
		return
	}
	t.bids[lotID] = amount
}

func (t *Table) Forget(lotID string) {
	delete(t.bids, lotID)
}

// Lots returns the ids of every lot the user has bid on, in no particular order.
func (t *Table) Lots() []string {
	ids := make([]string, 0, len(t.bids))
	for id := range t.bids {
		ids = append(ids, id)
	}
	return ids
}

func (t *Table) Reset() {
	clear(t.bids)
}
