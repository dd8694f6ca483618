package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConcurrently starts n goroutines running fn(i) and returns their errors
// in index order.
func runConcurrently(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestEngine_ConcurrentUpdatesOfOneNode(t *testing.T) {
	e := createTestEngine(t)
	_, err := e.CreateNode("n1", []string{"Counter"}, Properties{"v": Integer(0)})
	require.NoError(t, err)

	const writers = 16
	var readers sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, _ = e.GetNode("n1")
				_, _ = e.Query(context.Background(), Query{NodePatterns: []NodePattern{{Labels: []string{"Counter"}}}})
			}
		}()
	}

	errs := runConcurrently(writers, func(i int) error {
		_, err := e.UpdateNode("n1", Properties{
			"v":                   Integer(int64(i + 1)),
			fmt.Sprintf("k%d", i): Integer(int64(i)),
		})
		return err
	})
	close(done)
	readers.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	n, err := e.GetNode("n1")
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Equal(t, Integer(int64(i)), n.Properties[fmt.Sprintf("k%d", i)], "update %d was lost", i)
	}

	// Exactly one index entry for v, and it agrees with the record.
	assert.Equal(t, map[string]int{"n1": 1}, propertyEntries(t, e, KindNode, "v"))
	ids, err := e.EntitiesByProperty(KindNode, "v", n.Properties["v"])
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)
	for i := 0; i < writers; i++ {
		assert.Equal(t, map[string]int{"n1": 1}, propertyEntries(t, e, KindNode, fmt.Sprintf("k%d", i)))
	}

	// The cache serves the committed version.
	stored, err := e.readNode("n1")
	require.NoError(t, err)
	assert.True(t, ValuesEqual(stored.Properties["v"], n.Properties["v"]))
}

func TestEngine_ConcurrentUpdatesOfOneEdge(t *testing.T) {
	e := createTestEngine(t)
	seedScenario(t, e)

	errs := runConcurrently(12, func(i int) error {
		_, err := e.UpdateEdge("e1", Properties{"since": Integer(int64(2000 + i))})
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	edge, err := e.GetEdge("e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"e1": 1}, propertyEntries(t, e, KindEdge, "since"))
	ids, err := e.EntitiesByProperty(KindEdge, "since", edge.Properties["since"])
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)
}

func TestEngine_ConcurrentDisjointWrites(t *testing.T) {
	e := createTestEngine(t)
	const workers, perWorker = 8, 25

	errs := runConcurrently(workers, func(w int) error {
		for j := 0; j < perWorker; j++ {
			id := NodeID(fmt.Sprintf("w%d-%02d", w, j))
			if _, err := e.CreateNode(id, []string{"Worker"}, Properties{"worker": Integer(int64(w))}); err != nil {
				return err
			}
			n, err := e.GetNode(id)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("node %s not readable after create", id)
			}
			if _, err := e.UpdateNode(id, Properties{"seq": Integer(int64(j))}); err != nil {
				return err
			}
		}
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(workers*perWorker), e.NodeCount())
	ids, err := e.EntitiesByLabel(KindNode, "Worker")
	require.NoError(t, err)
	assert.Len(t, ids, workers*perWorker)
	for w := 0; w < workers; w++ {
		ids, err := e.EntitiesByProperty(KindNode, "worker", Integer(int64(w)))
		require.NoError(t, err)
		assert.Len(t, ids, perWorker, "worker %d", w)
	}
	entries := propertyEntries(t, e, KindNode, "seq")
	assert.Len(t, entries, workers*perWorker)
	for id, count := range entries {
		assert.Equal(t, 1, count, id)
	}
}

func TestEngine_ConcurrentCreatesOfOneID(t *testing.T) {
	e := createTestEngine(t)

	errs := runConcurrently(8, func(i int) error {
		_, err := e.CreateNode("same", nil, Properties{"writer": Integer(int64(i))})
		return err
	})
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateID)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), e.NodeCount())
	assert.Len(t, propertyEntries(t, e, KindNode, "writer"), 1)
}

func TestEngine_ConcurrentDeletesCountOnce(t *testing.T) {
	e := createTestEngine(t)
	seedScenario(t, e)

	errs := runConcurrently(8, func(int) error {
		return e.DeleteNode("n1")
	})
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), e.NodeCount())
	assert.Equal(t, int64(0), e.EdgeCount())
}

func TestEngine_DeleteNodeRacingEdgeCreation(t *testing.T) {
	e := createTestEngine(t)

	for round := 0; round < 10; round++ {
		hub := NodeID(fmt.Sprintf("hub%d", round))
		_, err := e.CreateNode(hub, []string{"Hub"}, nil)
		require.NoError(t, err)
		const spokes = 6
		for k := 0; k < spokes; k++ {
			_, err := e.CreateNode(NodeID(fmt.Sprintf("%s-s%d", hub, k)), nil, nil)
			require.NoError(t, err)
		}

		errs := runConcurrently(spokes+1, func(i int) error {
			if i == spokes {
				return e.DeleteNode(hub)
			}
			spoke := NodeID(fmt.Sprintf("%s-s%d", hub, i))
			_, err := e.CreateEdge("", spoke, hub, "POINTS_AT", nil)
			return err
		})
		require.NoError(t, errs[spokes], "delete of %s", hub)
		for _, err := range errs[:spokes] {
			if err != nil {
				assert.ErrorIs(t, err, ErrDanglingEdge)
			}
		}

		in, err := e.EdgeIDsTo(hub, "")
		require.NoError(t, err)
		assert.Empty(t, in, "adjacency entries left for deleted %s", hub)
	}

	scanned := 0
	require.NoError(t, e.ScanEdges(context.Background(), func(edge *Edge) error {
		scanned++
		to, err := e.GetNode(edge.ToNode)
		require.NoError(t, err)
		assert.NotNil(t, to, "edge %s points at deleted node %s", edge.ID, edge.ToNode)
		return nil
	}))
	assert.Equal(t, int64(scanned), e.EdgeCount())
}
