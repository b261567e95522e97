package infrastructure

import (
	"context"
	"database/sql/driver"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockguard/internal/service/stock/domain"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadlock", &mysqldrv.MySQLError{Number: mysqlErrDeadlock}, true},
		{"lock wait timeout", &mysqldrv.MySQLError{Number: mysqlErrLockWaitTimeout}, true},
		{"wrapped deadlock", errors.Wrap(&mysqldrv.MySQLError{Number: mysqlErrDeadlock}, "insert order"), true},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "decrement stock"), true},
		{"bad conn", driver.ErrBadConn, true},
		{"duplicate key", errors.Wrap(&mysqldrv.MySQLError{Number: 1062}, "insert order"), false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

func TestWrapTxErrorAlwaysRetryable(t *testing.T) {
	oos := &domain.OutOfStockError{BranchID: 1, ItemID: 7, Requested: 3}
	assert.Same(t, oos, wrapTxError("checkout", oos))
	assert.Equal(t, domain.ErrCartNotActive, wrapTxError("checkout", domain.ErrCartNotActive))

	for _, cause := range []error{
		errors.New("disk full"),
		&mysqldrv.MySQLError{Number: 1062},
		&mysqldrv.MySQLError{Number: mysqlErrDeadlock},
	} {
		err := wrapTxError("checkout", cause)
		var txErr *domain.TransactionError
		require.True(t, errors.As(err, &txErr), cause.Error())
		assert.True(t, txErr.Retryable, cause.Error())
		assert.Equal(t, isTransient(cause), txErr.Transient, cause.Error())
		assert.Equal(t, "RETRYABLE", domain.ErrorCode(err), cause.Error())
	}
}
