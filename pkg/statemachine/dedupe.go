package statemachine

// dedupeTable remembers the first result per dedupe key. It is bounded: once
// full, the oldest key is forgotten. Every replica evicts in apply order so the
// table is identical everywhere.
type dedupeTable struct {
	limit   int
	records map[string]record
	order   []string
}

// dedupeImage is the persisted form, oldest key first.
type dedupeImage struct {
	Keys    []string `json:"keys"`
	Records []record `json:"records"`
}

func newDedupeTable(limit int) *dedupeTable {
	return &dedupeTable{limit: limit, records: make(map[string]record)}
}

func (d *dedupeTable) get(key string) (record, bool) {
	rec, ok := d.records[key]
	return rec, ok
}

func (d *dedupeTable) put(key string, rec record) {
	if key == "" {
		return
	}
	if _, ok := d.records[key]; !ok {
		d.order = append(d.order, key)
	}
	d.records[key] = rec

	for d.limit > 0 && len(d.order) > d.limit {
		delete(d.records, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *dedupeTable) len() int {
	return len(d.order)
}

func (d *dedupeTable) image() dedupeImage {
	img := dedupeImage{Keys: make([]string, 0, len(d.order)), Records: make([]record, 0, len(d.order))}
	for _, k := range d.order {
		img.Keys = append(img.Keys, k)
		img.Records = append(img.Records, d.records[k])
	}
	return img
}

func (d *dedupeTable) load(img dedupeImage) {
	d.records = make(map[string]record, len(img.Keys))
	d.order = d.order[:0]
	for i, k := range img.Keys {
		if i < len(img.Records) {
			d.put(k, img.Records[i])
		}
	}
}
