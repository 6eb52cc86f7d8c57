package memory_test

import (
	"testing"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/store/storetest"
)

func TestInMemoryDocumentStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) memory.DocumentStore {
		return memory.NewInMemoryDocumentStore()
	})
}
