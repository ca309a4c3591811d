package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/guseggert/shellagent/agent/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookupDeregister(t *testing.T) {
	r := New()
	p := &process.Process{SessionID: "s1"}

	_, ok := r.Lookup("s1")
	assert.False(t, ok)

	require.NoError(t, r.Register("s1", p))

	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, []string{"s1"}, r.Sessions())

	r.Deregister("s1")
	_, ok = r.Lookup("s1")
	assert.False(t, ok)

	// idempotent
	r.Deregister("s1")
	r.Deregister("never-registered")
	assert.Equal(t, 0, r.Len())
}

func TestRegisterBusy(t *testing.T) {
	r := New()
	first := &process.Process{SessionID: "s1"}
	second := &process.Process{SessionID: "s1"}

	require.NoError(t, r.Register("s1", first))
	err := r.Register("s1", second)
	assert.ErrorIs(t, err, ErrSessionBusy)

	// the first process is still reachable
	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, first, got)

	// other sessions are independent
	require.NoError(t, r.Register("s2", second))
	assert.Equal(t, []string{"s1", "s2"}, r.Sessions())
}

func TestDeregisterProcess(t *testing.T) {
	r := New()
	old := &process.Process{SessionID: "s1"}
	successor := &process.Process{SessionID: "s1"}

	require.NoError(t, r.Register("s1", old))
	r.Deregister("s1")
	require.NoError(t, r.Register("s1", successor))

	// a late removal for the old process must not drop its successor
	assert.False(t, r.DeregisterProcess("s1", old))
	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, successor, got)

	assert.True(t, r.DeregisterProcess("s1", successor))
	assert.False(t, r.DeregisterProcess("s1", successor))
}

func TestReservation(t *testing.T) {
	r := New()

	res, err := r.Reserve("s1")
	require.NoError(t, err)

	// reserved sessions are busy but have no process yet
	_, err = r.Reserve("s1")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, r.Register("s1", &process.Process{}), ErrSessionBusy)
	_, ok := r.Lookup("s1")
	assert.False(t, ok)
	assert.Empty(t, r.Sessions())

	res.Release()
	_, err = r.Reserve("s1")
	require.NoError(t, err)
}

func TestReservationLost(t *testing.T) {
	r := New()
	res, err := r.Reserve("s1")
	require.NoError(t, err)

	r.Deregister("s1")
	assert.ErrorIs(t, res.Commit(&process.Process{}), ErrReservationLost)

	// releasing after the slot was taken by someone else leaves them alone
	other := &process.Process{}
	require.NoError(t, r.Register("s1", other))
	res.Release()
	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, other, got)
}

func TestConcurrentRegister(t *testing.T) {
	r := New()

	const goroutines = 50
	var wg sync.WaitGroup
	var mut sync.Mutex
	successes := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("shared", &process.Process{}) == nil {
				mut.Lock()
				successes++
				mut.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			p := &process.Process{SessionID: id}
			assert.NoError(t, r.Register(id, p))
			_, ok := r.Lookup(id)
			assert.True(t, ok)
			r.Deregister(id)
			r.Deregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []string{"shared"}, r.Sessions())
}
