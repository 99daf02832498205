package tsoclient

import (
	"hash/fnv"
)

// CellID identifies a cell written by a transaction; the TSO detects write-write
// conflicts on these ids.
type CellID interface {
	CellID() int64
}

// HashCell derives a cell id from its coordinates.
func HashCell(table, row, family, qualifier []byte) int64 {
	h := fnv.New64a()
	for _, part := range [][]byte{table, row, family, qualifier} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// Cell is a cell addressed by table, row, family and qualifier.
type Cell struct {
	Table     []byte
	Row       []byte
	Family    []byte
	Qualifier []byte
}

func (c Cell) CellID() int64 {
	return HashCell(c.Table, c.Row, c.Family, c.Qualifier)
}

// RawCellID is a precomputed cell id.
type RawCellID int64

func (id RawCellID) CellID() int64 {
	return int64(id)
}
