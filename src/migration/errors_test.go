package migration

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_ShouldRollback_Empty(t *testing.T) {
	h := NewErrorHandler(3)
	assert.False(t, h.ShouldRollback(nil, StageDataConversion))
}

func TestErrorHandler_ShouldRollback_AllRecoverable(t *testing.T) {
	h := NewErrorHandler(3)
	errs := []*MigrationError{
		NewMigrationError(StageDataConversion, ErrorTypeData, "bad row", true),
		NewMigrationError(StageDataConversion, ErrorTypeData, "bad row", true),
	}
	assert.False(t, h.ShouldRollback(errs, StageDataConversion))
}

func TestErrorHandler_ShouldRollback_NonRecoverable(t *testing.T) {
	h := NewErrorHandler(3)
	errs := []*MigrationError{
		NewMigrationError(StageDataConversion, ErrorTypeData, "bad row", true),
		NewMigrationError(StageDataConversion, ErrorTypeConnection, "db gone", false),
	}
	assert.True(t, h.ShouldRollback(errs, StageDataConversion))
}

func TestErrorHandler_ShouldRollback_CriticalStageLimit(t *testing.T) {
	h := NewErrorHandler(3)
	var errs []*MigrationError
	for i := 0; i < 3; i++ {
		errs = append(errs, NewMigrationError(StageDataConversion, ErrorTypeData, "bad row", true))
	}
	// 关键阶段累积到上限的可恢复错误视为致命
	assert.True(t, h.ShouldRollback(errs, StageDataConversion))
	// 非关键阶段同样数量的错误不触发回滚
	assert.False(t, h.ShouldRollback(errs, StageCleanup))
}

func TestErrorHandler_ShouldRollback_ConfigurableLimit(t *testing.T) {
	h := NewErrorHandler(10)
	var errs []*MigrationError
	for i := 0; i < 9; i++ {
		errs = append(errs, NewMigrationError(StageSchemaTransformation, ErrorTypeSchema, "warn", true))
	}
	assert.False(t, h.ShouldRollback(errs, StageSchemaTransformation))
	errs = append(errs, NewMigrationError(StageSchemaTransformation, ErrorTypeSchema, "warn", true))
	assert.True(t, h.ShouldRollback(errs, StageSchemaTransformation))
}

func TestErrorHandler_HandleError(t *testing.T) {
	h := NewErrorHandler(3)
	state := &MigrationState{MigrationID: "m-1", CurrentStage: StageDataConversion}

	cont, action := h.HandleError(NewMigrationError(StageDataConversion, ErrorTypeData, "bad row", true), state)
	assert.True(t, cont)
	assert.Equal(t, ActionContinue, action)

	cont, action = h.HandleError(NewMigrationError(StageDataConversion, ErrorTypeConnection, "db gone", false), state)
	assert.False(t, cont)
	assert.Equal(t, ActionRollback, action)
}

func TestWrapMigrationError(t *testing.T) {
	base := errors.New("disk full")
	wrapped := WrapMigrationError(StageSchemaTransformation, ErrorTypeConnection, base, false)
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, StageSchemaTransformation, wrapped.Stage)

	// 已是迁移错误时原样返回
	again := WrapMigrationError(StageCleanup, ErrorTypeInternal, fmt.Errorf("outer: %w", wrapped), true)
	assert.Equal(t, wrapped, again)
}

func TestMigrationStage_Transitions(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageRolledBack.IsTerminal())
	assert.False(t, StageDataConversion.IsTerminal())

	assert.True(t, StageSchemaTransformation.IsCritical())
	assert.True(t, StageDataConversion.IsCritical())
	assert.False(t, StagePreparation.IsCritical())
	assert.False(t, StageCleanup.IsCritical())
}
