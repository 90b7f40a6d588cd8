package registry

import (
	"fmt"
	"sync"
	"testing"
)

// TestItem is a simple struct for testing
type TestItem struct {
	ID   string
	Name string
}

func TestBaseRegistry_Register(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	tests := []struct {
		name    string
		item    TestItem
		wantErr bool
	}{
		{
			name: "register valid item",
			item: TestItem{
				ID:   "test-1",
				Name: "Test Item 1",
			},
			wantErr: false,
		},
		{
			name: "register item with empty name",
			item: TestItem{
				ID:   "",
				Name: "Test Item",
			},
			wantErr: true,
		},
		{
			name: "register duplicate item",
			item: TestItem{
				ID:   "test-1", // Same ID as first test
				Name: "Test Item 2",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Register(tt.item.ID, tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("BaseRegistry.Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseRegistry_Get(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	// Register a test item
	testItem := TestItem{
		ID:   "test-1",
		Name: "Test Item 1",
	}
	err := registry.Register("test-1", testItem)
	if err != nil {
		t.Fatalf("Failed to register test item: %v", err)
	}

	tests := []struct {
		name     string
		itemID   string
		wantItem TestItem
		wantOk   bool
	}{
		{
			name:     "get existing item",
			itemID:   "test-1",
			wantItem: testItem,
			wantOk:   true,
		},
		{
			name:     "get non-existing item",
			itemID:   "non-existing",
			wantItem: TestItem{},
			wantOk:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := registry.Get(tt.itemID)
			if ok != tt.wantOk {
				t.Errorf("BaseRegistry.Get() ok = %v, want %v", ok, tt.wantOk)
			}
			if item.ID != tt.wantItem.ID {
				t.Errorf("BaseRegistry.Get() item.ID = %v, want %v", item.ID, tt.wantItem.ID)
			}
			if item.Name != tt.wantItem.Name {
				t.Errorf("BaseRegistry.Get() item.Name = %v, want %v", item.Name, tt.wantItem.Name)
			}
		})
	}
}

func TestBaseRegistry_Concurrency(t *testing.T) {
	registry := NewBaseRegistry[TestItem]()

	var wg sync.WaitGroup
	wg.Add(2)

	// Goroutine 1: Register items
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			item := TestItem{
				ID:   fmt.Sprintf("concurrent-%d", i),
				Name: fmt.Sprintf("Concurrent Item %d", i),
			}
			_ = registry.Register(item.ID, item)
		}
	}()

	// Goroutine 2: Read items
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			registry.Get(fmt.Sprintf("concurrent-%d", i))
		}
	}()

	wg.Wait()

	for i := 0; i < 100; i++ {
		if _, ok := registry.Get(fmt.Sprintf("concurrent-%d", i)); !ok {
			t.Errorf("BaseRegistry.Get() missing concurrent-%d after concurrent access", i)
		}
	}
}
