// Package ferry moves records between relational databases and file
// formats, applying per-column transformations, validations, and
// referential lookups along the way.
//
// The pieces compose bottom-up. A Record is an ordered row with shared
// column metadata. A Cursor wraps a database/sql handle behind one uniform
// surface for every supported engine, translating canonical named
// parameters (:name or %(name)s) to the engine's native placeholder style.
// A Table maps source records onto a target table through per-column
// descriptors and generates its own DML. A Surge drives a Table over a
// record stream in batches with error isolation and merge fallbacks.
//
// A minimal load:
//
//	db, err := ferry.Open("sqlite", "file:load.db")
//	cur := db.Cursor()
//	tbl, err := ferry.NewTable("people", cur, []ferry.ColumnSpec{
//		{Name: "id", Field: "person_id", Key: true},
//		{Name: "name", Fn: []any{"strip", "title"}, Required: true},
//		{Name: "state", Field: "state_name", Fn: []any{"lookup:states:name:code"}},
//	})
//	src, err := ferry.OpenCSV("people.csv", ferry.ReadConfig{})
//	surge, err := ferry.NewSurge(tbl)
//	prog, err := surge.Merge(ctx, src.Records())
package ferry
