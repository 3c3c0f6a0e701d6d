package receipt

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receiptIDPattern = regexp.MustCompile(`^OFF-[0-9A-F]{4}-[0-9A-F]{4}$`)

func TestGenerateReceiptIdMatchesFormat(t *testing.T) {
	g := New([]byte("device-secret"))
	id, err := g.GenerateReceiptId()
	require.NoError(t, err)
	assert.Regexp(t, receiptIDPattern, id)
}

func TestGenerateReceiptIdVaries(t *testing.T) {
	g := New([]byte("device-secret"))
	ids := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := g.GenerateReceiptId()
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Greater(t, len(ids), 1)
}
