package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 16 * time.Second},
		{40, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffFor(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})

	assert.True(t, HasCode(err, CodeUniqueViolation))
	assert.False(t, HasCode(err, CodeForeignKeyViolation))
	assert.False(t, HasCode(errors.New("plain"), CodeUniqueViolation))
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "INSERT", commandName("INSERT 0 1"))
	assert.Equal(t, "UPDATE", commandName("update 3"))
	assert.Equal(t, "UNKNOWN", commandName(""))
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "postgres://localhost/%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database url")
}
