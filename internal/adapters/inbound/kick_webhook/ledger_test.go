package kick_webhook

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerEvictsOldestInsertion(t *testing.T) {
	l := NewLedger(500)
	for i := 1; i <= 500; i++ {
		l.Remember(fmt.Sprintf("id-%d", i))
	}
	require.True(t, l.Seen("id-1"))

	l.Remember("id-501")

	assert.False(t, l.Seen("id-1"))
	for i := 2; i <= 501; i++ {
		require.True(t, l.Seen(fmt.Sprintf("id-%d", i)), "id-%d", i)
	}
	assert.Equal(t, 500, l.Len())
}

func TestLedgerIsFIFONotLRU(t *testing.T) {
	l := NewLedger(3)
	l.Remember("a")
	l.Remember("b")
	l.Remember("c")

	// Touching "a" must not protect it.
	require.True(t, l.Seen("a"))
	l.Remember("a")
	l.Remember("d")

	assert.False(t, l.Seen("a"))
	assert.True(t, l.Seen("b"))
	assert.True(t, l.Seen("c"))
	assert.True(t, l.Seen("d"))

	l.Remember("e")
	assert.False(t, l.Seen("b"))
}

func TestLedgerDefaultCapacity(t *testing.T) {
	l := NewLedger(0)
	for i := range DefaultLedgerCapacity + 10 {
		l.Remember(fmt.Sprint(i))
	}
	assert.Equal(t, DefaultLedgerCapacity, l.Len())
}

func TestLedgerConcurrentUse(t *testing.T) {
	l := NewLedger(100)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("%d-%d", g, i)
				l.Remember(id)
				l.Seen(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Len())
}

func TestLedgerClaimHasOneWinner(t *testing.T) {
	l := NewLedger(10)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Claim("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.True(t, l.Seen("same"))
	assert.False(t, l.Claim("same"))
	assert.Equal(t, 1, l.Len())
}
