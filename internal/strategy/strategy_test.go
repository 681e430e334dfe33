package strategy

import (
	"testing"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedStrategy struct {
	*SkiRental
	name string
}

func (n namedStrategy) Type() string { return n.name }

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(NewSkiRental(1))
	require.NoError(t, err)

	s, err := r.Lookup(SkiRentalType)
	require.NoError(t, err)
	assert.Equal(t, SkiRentalType, s.Type())

	_, err = r.Lookup("bin_packing")
	assert.ErrorIs(t, err, api.ErrUnknownProblemType)
}

func TestRegistryRejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := NewRegistry(NewSkiRental(1), NewSkiRental(2))
	assert.Error(t, err)

	_, err = NewRegistry(namedStrategy{SkiRental: NewSkiRental(1)})
	assert.Error(t, err)
}

func TestRegistryTypesSorted(t *testing.T) {
	r, err := NewRegistry(
		namedStrategy{SkiRental: NewSkiRental(1), name: "reservation"},
		NewSkiRental(1),
		namedStrategy{SkiRental: NewSkiRental(1), name: "capacity"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"capacity", "reservation", SkiRentalType}, r.Types())
}

func TestSkiRentalImplementsCostEvaluator(t *testing.T) {
	var s Strategy = NewSkiRental(1)
	_, ok := s.(CostEvaluator)
	assert.True(t, ok)
}
