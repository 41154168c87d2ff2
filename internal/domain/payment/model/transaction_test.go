package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadataWith(t *testing.T) {
	base := Metadata{MetaChannel: "stripe"}
	next := base.With(MetaIntentID, "pi_1").With(MetaFailureCode, "")

	assert.Equal(t, "pi_1", next[MetaIntentID])
	assert.Equal(t, "stripe", next[MetaChannel])
	_, ok := next[MetaFailureCode]
	assert.False(t, ok)
	_, ok = base[MetaIntentID]
	assert.False(t, ok, "original map must not change")
}
