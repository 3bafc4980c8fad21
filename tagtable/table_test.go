package tagtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kwdbts2/kwdbts2/core"
)

func testTagSchema() *core.Schema {
	return &core.Schema{
		Version: 1,
		Columns: []core.Column{
			{ID: 0, Name: "device_id", Type: core.DataTypeVarString, Nullable: false},
			{ID: 1, Name: "region", Type: core.DataTypeVarString, Nullable: true},
			{ID: 2, Name: "rack", Type: core.DataTypeInt32, Nullable: true},
		},
	}
}

func TestTable_InsertAndLookup(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Create(dir, testTagSchema(), Options{BloomFPRate: 0.01})
	require.NoError(t, err)
	defer tbl.Close()

	row, err := tbl.InsertTagRecord([]byte("dev-1"), 3, 42, map[uint32][]byte{
		1: []byte("us-west"),
		2: packInt32Tag(7),
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, row)

	sg, ent, found := tbl.GetEntityIDGroupID([]byte("dev-1"))
	require.True(t, found)
	require.EqualValues(t, 3, sg)
	require.EqualValues(t, 42, ent)

	_, _, found = tbl.GetEntityIDGroupID([]byte("dev-does-not-exist"))
	require.False(t, found)
}

func TestTable_DuplicatePrimaryTagRejected(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Create(dir, testTagSchema(), Options{})
	require.NoError(t, err)
	defer tbl.Close()

	_, err = tbl.InsertTagRecord([]byte("dev-1"), 1, 1, nil)
	require.NoError(t, err)
	_, err = tbl.InsertTagRecord([]byte("dev-1"), 2, 2, nil)
	require.Error(t, err)
	require.True(t, core.IsAlreadyExists(err))
}

func TestTable_UpdateNonPrimaryCells(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Create(dir, testTagSchema(), Options{})
	require.NoError(t, err)
	defer tbl.Close()

	row, err := tbl.InsertTagRecord([]byte("dev-1"), 1, 1, map[uint32][]byte{1: []byte("us-east")})
	require.NoError(t, err)

	err = tbl.UpdateTagRecord([]byte("dev-1"), map[uint32][]byte{1: []byte("us-west")})
	require.NoError(t, err)

	values, nulls, err := tbl.GetTagCells(row)
	require.NoError(t, err)
	require.False(t, nulls[1])
	require.Equal(t, "us-west", string(values[1]))

	err = tbl.UpdateTagRecord([]byte("dev-missing"), map[uint32][]byte{1: []byte("x")})
	require.Error(t, err)
	require.True(t, core.IsNotFound(err))
}

func TestTable_DeleteKeepsRowSlotButHidesLookup(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Create(dir, testTagSchema(), Options{})
	require.NoError(t, err)
	defer tbl.Close()

	_, err = tbl.InsertTagRecord([]byte("dev-1"), 1, 1, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.DeleteTagRecord([]byte("dev-1")))

	_, _, found := tbl.GetEntityIDGroupID([]byte("dev-1"))
	require.False(t, found)

	err = tbl.DeleteTagRecord([]byte("dev-1"))
	require.Error(t, err)
}

func TestTable_ReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Create(dir, testTagSchema(), Options{BloomFPRate: 0.01})
	require.NoError(t, err)

	_, err = tbl.InsertTagRecord([]byte("dev-1"), 5, 9, map[uint32][]byte{1: []byte("apac")})
	require.NoError(t, err)
	_, err = tbl.InsertTagRecord([]byte("dev-2"), 5, 10, map[uint32][]byte{1: []byte("emea")})
	require.NoError(t, err)
	require.NoError(t, tbl.DeleteTagRecord([]byte("dev-2")))
	require.NoError(t, tbl.Sync())
	require.NoError(t, tbl.Close())

	reopened, err := Open(dir, testTagSchema(), Options{BloomFPRate: 0.01})
	require.NoError(t, err)
	defer reopened.Close()

	sg, ent, found := reopened.GetEntityIDGroupID([]byte("dev-1"))
	require.True(t, found)
	require.EqualValues(t, 5, sg)
	require.EqualValues(t, 9, ent)

	_, _, found = reopened.GetEntityIDGroupID([]byte("dev-2"))
	require.False(t, found)
}

func packInt32Tag(v int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}
