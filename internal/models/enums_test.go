package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, AlertCritical, SeverityFor(Block))
	assert.Equal(t, AlertWarning, SeverityFor(Review))
}

func TestAlertTransitions(t *testing.T) {
	assert.True(t, AlertOpen.CanTransition(AlertAcknowledged))
	assert.True(t, AlertOpen.CanTransition(AlertDismissed))
	assert.True(t, AlertAcknowledged.CanTransition(AlertDismissed))
	assert.False(t, AlertAcknowledged.CanTransition(AlertOpen))
	assert.False(t, AlertDismissed.CanTransition(AlertOpen))
	assert.False(t, AlertOpen.CanTransition(AlertOpen))
}

func TestClassificationValid(t *testing.T) {
	assert.True(t, Allow.Valid())
	assert.True(t, Block.Valid())
	assert.False(t, Classification("MAYBE").Valid())
	assert.False(t, Classification("").Valid())
}
