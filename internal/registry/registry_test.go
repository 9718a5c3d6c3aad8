package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	table := New()
	id := uuid.New()

	_, ok := table.Root(id)
	assert.False(t, ok)

	table.Set(id, "/maps/a")
	table.Set(id, "/maps/b")
	root, ok := table.Root(id)
	assert.True(t, ok)
	assert.Equal(t, "/maps/b", root)
	assert.Equal(t, 1, table.Len())

	table.Remove(id)
	assert.Equal(t, 0, table.Len())
}

func TestTableConcurrentSet(t *testing.T) {
	table := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			table.Set(id, id.String())
			root, _ := table.Root(id)
			assert.Equal(t, id.String(), root)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, table.Len())
}
