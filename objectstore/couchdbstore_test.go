package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocID_SafeForSlashContainingKeys(t *testing.T) {
	id := docID("configs/foo__bar/summary.json")
	assert.NotContains(t, id, "/")
	assert.NotEmpty(t, id)
}

func TestDocID_Deterministic(t *testing.T) {
	assert.Equal(t, docID("same/key"), docID("same/key"))
	assert.NotEqual(t, docID("a"), docID("b"))
}
