package pgerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	pqErr := &pq.Error{Code: UniqueViolation, Constraint: "loans_one_open_per_user_book"}
	pgxErr := &pgconn.PgError{Code: SerializationFailure, ConstraintName: "x"}

	assert.Equal(t, UniqueViolation, Code(fmt.Errorf("insert loan: %w", pqErr)))
	assert.Equal(t, SerializationFailure, Code(pgxErr))
	assert.Equal(t, "", Code(errors.New("boom")))

	assert.True(t, IsUniqueViolation(pqErr))
	assert.Equal(t, "loans_one_open_per_user_book", Constraint(pqErr))
	assert.True(t, IsTransient(pgxErr))
	assert.False(t, IsTransient(pqErr))
	assert.False(t, IsCheckViolation(nil))
}
