package validation_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophialabs/simulacra/internal/domain/validation"
)

func TestCollector_Empty(t *testing.T) {
	c := validation.NewCollector("endpoint")
	assert.NoError(t, c.Err())
}

func TestCollector_ReportsEveryViolation(t *testing.T) {
	c := validation.NewCollector("runtime config")
	c.Addf("log_capacity", "must be >= %d", 1)
	c.Addf("fault_probability", "must be within [0, 1]")

	err := c.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, validation.ErrInvalid))
	assert.Len(t, validation.Violations(err), 2)
	assert.Contains(t, err.Error(), "log_capacity")
	assert.Contains(t, err.Error(), "fault_probability")
}

func TestCollector_MergePrefixesFields(t *testing.T) {
	inner := validation.NewCollector("rule")
	inner.Addf("value", "must start with /")

	outer := validation.NewCollector("endpoint")
	outer.Merge("path", inner.Err())
	outer.Merge("body", fmt.Errorf("plain failure"))
	outer.Merge("ignored", nil)

	v := validation.Violations(outer.Err())
	require.Len(t, v, 2)
	assert.Equal(t, "path.value", v[0].Field)
	assert.Equal(t, "body", v[1].Field)
}

func TestViolations_WrappedError(t *testing.T) {
	c := validation.NewCollector("endpoint")
	c.Addf("id", "required")
	wrapped := fmt.Errorf("upsert: %w", c.Err())

	assert.True(t, errors.Is(wrapped, validation.ErrInvalid))
	assert.Len(t, validation.Violations(wrapped), 1)
	assert.Nil(t, validation.Violations(errors.New("other")))
}
