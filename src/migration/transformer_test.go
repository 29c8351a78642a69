package migration

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaTransformer_PlanEmptyToV2(t *testing.T) {
	conn := openTestConn(t)
	transformer := NewSchemaTransformer(conn)
	info := NewVersionManager(conn).GetCurrentVersionInfo(context.Background())

	plan, err := transformer.CreateTransformationPlan(info, VersionV2Normalized)
	require.NoError(t, err)

	assert.Equal(t, VersionEmpty, plan.SourceVersion)
	assert.Equal(t, VersionV2Normalized, plan.TargetVersion)
	// 空库没有数据可丢，不要求备份
	assert.False(t, plan.RequiresBackup)
	assert.False(t, plan.DestructiveChanges)
	assert.NotEmpty(t, plan.Steps)
	for _, step := range plan.Steps {
		assert.NotEqual(t, TransformDropTable, step.Type)
	}
}

func TestSchemaTransformer_PlanV1ToV2(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	transformer := NewSchemaTransformer(conn)
	info := NewVersionManager(conn).GetCurrentVersionInfo(context.Background())

	plan, err := transformer.CreateTransformationPlan(info, VersionV2Normalized)
	require.NoError(t, err)

	assert.Equal(t, VersionV1Legacy, plan.SourceVersion)
	// 旧库迁移必须先备份
	assert.True(t, plan.RequiresBackup)
	// 旧表只重命名从不删除
	assert.False(t, plan.DestructiveChanges)

	ordered, err := plan.GetDependenciesOrder()
	require.NoError(t, err)

	// 重命名必须是第一步：新 downloads 表与旧表同名
	assert.Equal(t, "rename_legacy_downloads", ordered[0].StepID)

	position := map[string]int{}
	for i, step := range ordered {
		position[step.StepID] = i
	}
	assert.Less(t, position["create_content"], position["create_downloads"])
	assert.Less(t, position["create_content"], position["index_content_original_url"])
	assert.Less(t, position["create_downloads"], position["index_downloads_status"])
}

func TestSchemaTransformer_PlanV2IsEmpty(t *testing.T) {
	conn := openTestConn(t)
	applyV2Schema(t, conn, VersionEmpty)
	transformer := NewSchemaTransformer(conn)
	info := NewVersionManager(conn).GetCurrentVersionInfo(context.Background())

	plan, err := transformer.CreateTransformationPlan(info, VersionV2Normalized)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}

func TestTransformationPlan_CyclicDependency(t *testing.T) {
	plan := &TransformationPlan{
		Steps: []TransformationStep{
			{StepID: "a", Type: TransformCreateTable, Table: "a", DependsOn: []string{"b"}},
			{StepID: "b", Type: TransformCreateTable, Table: "b", DependsOn: []string{"a"}},
		},
	}
	_, err := plan.GetDependenciesOrder()
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestTransformationPlan_UnknownDependency(t *testing.T) {
	plan := &TransformationPlan{
		Steps: []TransformationStep{
			{StepID: "a", Type: TransformCreateTable, Table: "a", DependsOn: []string{"ghost"}},
		},
	}
	_, err := plan.GetDependenciesOrder()
	assert.Error(t, err)
}

func TestTransformationPlan_DeterministicOrder(t *testing.T) {
	plan := &TransformationPlan{
		Steps: []TransformationStep{
			{StepID: "c", Type: TransformCreateTable, Table: "c"},
			{StepID: "a", Type: TransformCreateTable, Table: "a"},
			{StepID: "b", Type: TransformCreateTable, Table: "b", DependsOn: []string{"a"}},
		},
	}
	first, err := plan.GetDependenciesOrder()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := plan.GetDependenciesOrder()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSchemaTransformer_ValidateTransformation_FlagsUnsafeDrop(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/1"})
	transformer := NewSchemaTransformer(conn)

	plan := &TransformationPlan{
		RequiresBackup: false,
		Steps: []TransformationStep{
			{StepID: "drop", Type: TransformDropTable, Table: LegacyDownloadsTable,
				SQL: `DROP TABLE downloads`},
		},
	}
	isSafe, concerns := transformer.ValidateTransformation(context.Background(), plan)
	assert.False(t, isSafe)
	assert.NotEmpty(t, concerns)
}

func TestSchemaTransformer_ExecuteV1ToV2(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/1", Title: "one"})

	applyV2Schema(t, conn, VersionV1Legacy)

	// 旧数据原封不动地留在备份表里
	assert.Equal(t, int64(1), countRows(t, conn, LegacyBackupTable))
	// 新表已建好且为空
	assert.Equal(t, int64(0), countRows(t, conn, DownloadsTable))
	assert.Equal(t, int64(0), countRows(t, conn, ContentTable))
	assert.Equal(t, int64(0), countRows(t, conn, PlatformsTable))
}

func TestTransformationPlan_Checksum(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	transformer := NewSchemaTransformer(conn)
	info := NewVersionManager(conn).GetCurrentVersionInfo(context.Background())

	plan, err := transformer.CreateTransformationPlan(info, VersionV2Normalized)
	require.NoError(t, err)

	// 校验和对同一计划是确定的
	assert.Equal(t, plan.Checksum(), plan.Checksum())
	assert.Len(t, plan.Checksum(), 64)
}

func TestSchemaTransformer_DropColumnRebuild(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	_, err := conn.DB().Exec(`CREATE TABLE sample (id INTEGER PRIMARY KEY, keep TEXT, drop_me TEXT)`)
	require.NoError(t, err)
	_, err = conn.DB().Exec(`INSERT INTO sample (keep, drop_me) VALUES ('a', 'x'), ('b', 'y')`)
	require.NoError(t, err)

	transformer := NewSchemaTransformer(conn)
	plan := &TransformationPlan{
		Steps: []TransformationStep{
			{StepID: "drop_col", Type: TransformDropColumn, Table: "sample", Column: "drop_me"},
		},
	}
	err = conn.WithTransaction(ctx, func(tx *sql.Tx) error {
		ok, msg := transformer.Execute(ctx, tx, plan)
		require.True(t, ok, msg)
		return nil
	})
	require.NoError(t, err)

	// 行数与保留列不变
	assert.Equal(t, int64(2), countRows(t, conn, "sample"))
	var keep string
	err = conn.DB().QueryRow(`SELECT keep FROM sample WHERE id = 1`).Scan(&keep)
	require.NoError(t, err)
	assert.Equal(t, "a", keep)

	vm := NewVersionManager(conn)
	columns, err := vm.tableColumns(ctx, "sample")
	require.NoError(t, err)
	assert.False(t, columns["drop_me"])
	assert.True(t, columns["keep"])
}
