package memory_test

import (
	"testing"

	"github.com/warp/medstock/stock"
	"github.com/warp/medstock/store/memory"
	"github.com/warp/medstock/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stock.Store { return memory.NewMemory() })
}

func TestTxMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stock.Store { return memory.NewTxMemory() })
}
