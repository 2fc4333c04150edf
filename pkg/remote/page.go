package remote

// Page is one page of catalog data in the source's columnar encoding: a
// parallel array per field name. Row i is assembled from index i of every
// column.
type Page struct {
	Columns map[string][]interface{} `json:"columns"`
	Rows    int                      `json:"rows"`
	Cursor  string                   `json:"cursor"`
}

// Records transposes the columnar page into one map per row. Columns shorter
// than the row count simply contribute nothing to the trailing rows; the
// normalizer fills defaults for anything missing.
func (p *Page) Records() []map[string]interface{} {
	if p.Rows <= 0 {
		return nil
	}

	records := make([]map[string]interface{}, p.Rows)
	for i := range records {
		records[i] = make(map[string]interface{}, len(p.Columns))
	}

	for field, values := range p.Columns {
		for i, v := range values {
			if i >= p.Rows {
				break
			}
			if v == nil {
				continue
			}
			records[i][field] = v
		}
	}

	return records
}
