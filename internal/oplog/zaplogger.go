// Package oplog adapts the ledger's operation callbacks onto zap.
package oplog

import (
	"context"

	"github.com/pawmorph/credits/pkg/credits"
	"go.uber.org/zap"
)

const (
	fieldOperation = "operation"
	fieldUserID    = "user_id"
	fieldProductID = "product_id"
	fieldAmount    = "amount"
	fieldStatus    = "status"

	messageOperation = "credits operation"
)

// ZapOperationLogger emits one structured event per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger. A nil logger falls back to no-op.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String(fieldOperation, entry.Operation),
		zap.String(fieldUserID, entry.UserID.String()),
		zap.String(fieldStatus, entry.Status),
	}
	if entry.ProductID != "" {
		fields = append(fields, zap.String(fieldProductID, entry.ProductID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64(fieldAmount, entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn(messageOperation, fields...)
		return
	}
	operationLogger.logger.Info(messageOperation, fields...)
}
