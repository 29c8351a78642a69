package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// SchemaTransformer 构建并执行模式变换计划
type SchemaTransformer struct {
	conn   *database.Connection
	logger *logrus.Entry
}

// NewSchemaTransformer 创建模式变换器
func NewSchemaTransformer(conn *database.Connection) *SchemaTransformer {
	return &SchemaTransformer{
		conn:   conn,
		logger: logrus.WithField("component", "schema_transformer"),
	}
}

// CreateTransformationPlan 构建从当前版本到目标版本的变换计划
func (t *SchemaTransformer) CreateTransformationPlan(current *VersionInfo, target DatabaseVersion) (*TransformationPlan, error) {
	if current == nil {
		return nil, fmt.Errorf("current version info cannot be nil")
	}
	if target != VersionV2Normalized {
		return nil, fmt.Errorf("unsupported target version: %s", target)
	}

	switch current.Version {
	case VersionEmpty:
		return t.planEmptyToV2(), nil
	case VersionV1Legacy:
		return t.planV1ToV2(), nil
	case VersionV2Normalized:
		// 已是目标版本，空计划
		return &TransformationPlan{
			SourceVersion: VersionV2Normalized,
			TargetVersion: VersionV2Normalized,
		}, nil
	default:
		return nil, fmt.Errorf("cannot plan transformation from version %s", current.Version)
	}
}

// planEmptyToV2 空库到规范化模式：纯建表建索引
func (t *SchemaTransformer) planEmptyToV2() *TransformationPlan {
	steps := append(createV2TableSteps(nil), createV2IndexSteps()...)
	return &TransformationPlan{
		SourceVersion:      VersionEmpty,
		TargetVersion:      VersionV2Normalized,
		Steps:              steps,
		EstimatedDuration:  5 * time.Second,
		RequiresBackup:     false,
		DestructiveChanges: hasDestructiveStep(steps),
	}
}

// planV1ToV2 旧版模式到规范化模式
// 旧表只重命名、从不删除，因此 destructive_changes 为 false，
// 但结构性变换仍然强制要求备份
func (t *SchemaTransformer) planV1ToV2() *TransformationPlan {
	renameStep := TransformationStep{
		StepID:      "rename_legacy_downloads",
		Type:        TransformRenameTable,
		Table:       LegacyDownloadsTable,
		NewName:     LegacyBackupTable,
		SQL:         fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, LegacyDownloadsTable, LegacyBackupTable),
		RollbackSQL: fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, LegacyBackupTable, LegacyDownloadsTable),
		Description: "preserve legacy downloads table under a backup name",
	}

	// 新 downloads 表与旧表同名，必须在重命名之后创建
	steps := []TransformationStep{renameStep}
	steps = append(steps, createV2TableSteps([]string{renameStep.StepID})...)
	steps = append(steps, createV2IndexSteps()...)

	return &TransformationPlan{
		SourceVersion:      VersionV1Legacy,
		TargetVersion:      VersionV2Normalized,
		Steps:              steps,
		EstimatedDuration:  30 * time.Second,
		RequiresBackup:     true,
		DestructiveChanges: hasDestructiveStep(steps),
	}
}

// createV2TableSteps 规范化表的建表步骤
// extraDeps 追加到每个建表步骤的依赖（用于先重命名旧表的场景）
func createV2TableSteps(extraDeps []string) []TransformationStep {
	tables := []struct {
		stepID string
		table  string
		sql    string
	}{
		{"create_platforms", PlatformsTable, createPlatformsSQL},
		{"create_content", ContentTable, createContentSQL},
		{"create_downloads", DownloadsTable, createDownloadsSQL},
	}

	steps := make([]TransformationStep, 0, len(tables))
	for _, tbl := range tables {
		step := TransformationStep{
			StepID:      tbl.stepID,
			Type:        TransformCreateTable,
			Table:       tbl.table,
			SQL:         tbl.sql,
			RollbackSQL: fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tbl.table),
			DependsOn:   append([]string{}, extraDeps...),
			Description: fmt.Sprintf("create normalized table %s", tbl.table),
		}
		// downloads 通过外键引用 content
		if tbl.table == DownloadsTable {
			step.DependsOn = append(step.DependsOn, "create_content")
		}
		steps = append(steps, step)
	}
	return steps
}

// createV2IndexSteps 规范化索引的创建步骤，每个索引依赖其表的创建步骤
func createV2IndexSteps() []TransformationStep {
	return []TransformationStep{
		{
			StepID:      "index_content_original_url",
			Type:        TransformCreateIndex,
			Table:       ContentTable,
			SQL:         createContentURLIndexSQL,
			RollbackSQL: `DROP INDEX IF EXISTS idx_content_original_url`,
			DependsOn:   []string{"create_content"},
			Description: "unique index enforcing original_url uniqueness",
		},
		{
			StepID:      "index_content_platform",
			Type:        TransformCreateIndex,
			Table:       ContentTable,
			SQL:         createContentPlatformIndexSQL,
			RollbackSQL: `DROP INDEX IF EXISTS idx_content_platform`,
			DependsOn:   []string{"create_content"},
		},
		{
			StepID:      "index_downloads_content_id",
			Type:        TransformCreateIndex,
			Table:       DownloadsTable,
			SQL:         createDownloadsContentIndexSQL,
			RollbackSQL: `DROP INDEX IF EXISTS idx_downloads_content_id`,
			DependsOn:   []string{"create_downloads"},
		},
		{
			StepID:      "index_downloads_status",
			Type:        TransformCreateIndex,
			Table:       DownloadsTable,
			SQL:         createDownloadsStatusIndexSQL,
			RollbackSQL: `DROP INDEX IF EXISTS idx_downloads_status`,
			DependsOn:   []string{"create_downloads"},
		},
	}
}

// hasDestructiveStep 任何 Drop* 步骤都视为丢弃数据
func hasDestructiveStep(steps []TransformationStep) bool {
	for _, s := range steps {
		switch s.Type {
		case TransformDropTable, TransformDropIndex, TransformDropColumn:
			return true
		}
	}
	return false
}

// ValidateTransformation 检查计划是否可以安全执行
// 标记无备份前提下删除非空表的步骤，以及依赖环
func (t *SchemaTransformer) ValidateTransformation(ctx context.Context, plan *TransformationPlan) (isSafe bool, concerns []string) {
	if plan == nil {
		return false, []string{"transformation plan is nil"}
	}

	if _, err := plan.GetDependenciesOrder(); err != nil {
		concerns = append(concerns, err.Error())
	}

	for _, step := range plan.Steps {
		if step.Type != TransformDropTable {
			continue
		}
		if plan.RequiresBackup {
			continue
		}
		var count int64
		err := t.conn.DB().QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %q`, step.Table)).Scan(&count)
		if err != nil {
			// 表不存在时删除无害
			continue
		}
		if count > 0 {
			concerns = append(concerns, fmt.Sprintf(
				"step %s drops non-empty table %s (%d rows) without a backup", step.StepID, step.Table, count))
		}
	}

	return len(concerns) == 0, concerns
}

// GetDependenciesOrder 按声明的依赖对步骤做拓扑排序
// 无合法顺序时返回 ErrCyclicDependency
func (p *TransformationPlan) GetDependenciesOrder() ([]TransformationStep, error) {
	byID := make(map[string]*TransformationStep, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))

	for i := range p.Steps {
		step := &p.Steps[i]
		if _, dup := byID[step.StepID]; dup {
			return nil, fmt.Errorf("duplicate step id %q in transformation plan", step.StepID)
		}
		byID[step.StepID] = step
		indegree[step.StepID] = 0
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.StepID, dep)
			}
			indegree[step.StepID]++
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	// Kahn 算法，队列按声明顺序初始化保证确定性
	var queue []string
	for _, step := range p.Steps {
		if indegree[step.StepID] == 0 {
			queue = append(queue, step.StepID)
		}
	}

	ordered := make([]TransformationStep, 0, len(p.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, *byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) != len(p.Steps) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, fmt.Errorf("%w: unresolved steps %v", ErrCyclicDependency, cyclic)
	}
	return ordered, nil
}

// Checksum 计划内容的确定性校验和，记入迁移跟踪表
func (p *TransformationPlan) Checksum() string {
	var b strings.Builder
	for _, step := range p.Steps {
		b.WriteString(step.StepID)
		b.WriteString("|")
		b.WriteString(string(step.Type))
		b.WriteString("|")
		b.WriteString(step.SQL)
		b.WriteString("\n")
	}
	return hashString(b.String())
}

// ChangedTables 计划涉及的表集合，用于校验和对比时区分预期内/外的变化
func (p *TransformationPlan) ChangedTables() map[string]bool {
	tables := map[string]bool{}
	for _, step := range p.Steps {
		tables[step.Table] = true
		if step.Type == TransformRenameTable && step.NewName != "" {
			tables[step.NewName] = true
		}
	}
	return tables
}

// Execute 按依赖顺序在事务内执行计划
// 单步失败立即中止，向上报告为 schema_transformation 阶段的不可恢复错误
func (t *SchemaTransformer) Execute(ctx context.Context, tx *sql.Tx, plan *TransformationPlan) (bool, string) {
	ordered, err := plan.GetDependenciesOrder()
	if err != nil {
		return false, err.Error()
	}
	if len(ordered) == 0 {
		return true, "no transformation steps to execute"
	}

	for _, step := range ordered {
		if err := t.executeStep(ctx, tx, step); err != nil {
			t.logger.WithFields(logrus.Fields{
				"step_id": step.StepID,
				"type":    string(step.Type),
				"table":   step.Table,
			}).WithError(err).Error("transformation step failed, aborting plan")
			return false, fmt.Sprintf("step %s (%s on %s) failed: %v", step.StepID, step.Type, step.Table, err)
		}
		t.logger.WithFields(logrus.Fields{
			"step_id": step.StepID,
			"type":    string(step.Type),
			"table":   step.Table,
		}).Debug("transformation step executed")
	}

	return true, fmt.Sprintf("executed %d transformation steps", len(ordered))
}

// executeStep 执行单个变换步骤
func (t *SchemaTransformer) executeStep(ctx context.Context, tx *sql.Tx, step TransformationStep) error {
	switch step.Type {
	case TransformCreateTable, TransformCreateIndex, TransformDropTable,
		TransformDropIndex, TransformRenameTable, TransformAlterTable,
		TransformAddColumn:
		_, err := tx.ExecContext(ctx, step.SQL)
		return err

	case TransformRenameColumn:
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`ALTER TABLE %q RENAME COLUMN %q TO %q`, step.Table, step.Column, step.NewName))
		return err

	case TransformDropColumn:
		// SQLite 对 DROP COLUMN 的限制较多（索引、约束引用等），
		// 统一走重建表的路径：建新表、拷贝行、换名
		return t.rebuildTableWithoutColumn(ctx, tx, step.Table, step.Column)

	default:
		return fmt.Errorf("unsupported transformation type: %s", step.Type)
	}
}

// rebuildTableWithoutColumn 通过建新表/拷贝行/换名的方式删除列
// 保证行数与保留列的值完全不变
func (t *SchemaTransformer) rebuildTableWithoutColumn(ctx context.Context, tx *sql.Tx, table, column string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}

	type columnDef struct {
		name    string
		ctype   string
		notNull int
		dflt    sql.NullString
		pk      int
	}
	var keep []columnDef
	found := false
	for rows.Next() {
		var cid int
		var def columnDef
		if err := rows.Scan(&cid, &def.name, &def.ctype, &def.notNull, &def.dflt, &def.pk); err != nil {
			rows.Close()
			return err
		}
		if def.name == column {
			found = true
			continue
		}
		keep = append(keep, def)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("column %s does not exist in table %s", column, table)
	}
	if len(keep) == 0 {
		return fmt.Errorf("cannot drop the only column %s of table %s", column, table)
	}

	defs := make([]string, 0, len(keep))
	names := make([]string, 0, len(keep))
	for _, def := range keep {
		d := fmt.Sprintf("%q %s", def.name, def.ctype)
		if def.notNull == 1 {
			d += " NOT NULL"
		}
		if def.dflt.Valid {
			d += " DEFAULT " + def.dflt.String
		}
		if def.pk == 1 {
			d += " PRIMARY KEY"
		}
		defs = append(defs, d)
		names = append(names, fmt.Sprintf("%q", def.name))
	}

	tmpTable := table + "_rebuild_tmp"
	statements := []string{
		fmt.Sprintf(`CREATE TABLE %q (%s)`, tmpTable, strings.Join(defs, ", ")),
		fmt.Sprintf(`INSERT INTO %q (%s) SELECT %s FROM %q`,
			tmpTable, strings.Join(names, ", "), strings.Join(names, ", "), table),
		fmt.Sprintf(`DROP TABLE %q`, table),
		fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, tmpTable, table),
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("table rebuild failed at %q: %w", stmt, err)
		}
	}
	return nil
}
