// Package migration 实现旧版扁平数据库到规范化模式的安全升级流水线。
//
// 流水线按固定阶段推进，一个阶段一个事务：
//
//	preparation → schema_validation → schema_transformation → data_conversion → cleanup → completed
//
// 任意非终态阶段失败都可能跳转到 rolled_back。核心协作方：
//
//   - VersionManager        识别当前模式版本（empty / v1_legacy / v2_normalized / unknown）
//   - SchemaTransformer     构建并执行带依赖拓扑的模式变换计划
//   - DataConverter         把旧版扁平行拆分为规范化的内容/下载记录
//   - MigrationSafetyManager 串联锁、备份、阶段推进与回滚
//   - IntegrityValidator    迁移前后的校验和与一致性检查
//
// 旧版 downloads 表从不删除，只重命名为 downloads_v1_backup 留存。
package migration
