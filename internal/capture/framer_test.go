package capture

import "testing"

func TestFramer_EmitsFullBlocksInOrder(t *testing.T) {
	t.Parallel()

	f := NewFramer(4)
	var blocks [][]float32
	emit := func(b []float32) {
		cp := make([]float32, len(b))
		copy(cp, b)
		blocks = append(blocks, cp)
	}

	f.Write([]float32{1, 2, 3}, emit)
	if len(blocks) != 0 {
		t.Fatalf("emitted %d blocks before a block was full", len(blocks))
	}
	if f.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", f.Pending())
	}

	f.Write([]float32{4, 5, 6, 7, 8, 9, 10, 11, 12, 13}, emit)
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}
	if len(blocks) != len(want) {
		t.Fatalf("emitted %d blocks, want %d", len(blocks), len(want))
	}
	for i := range want {
		for j := range want[i] {
			if blocks[i][j] != want[i][j] {
				t.Errorf("block %d = %v, want %v", i, blocks[i], want[i])
				break
			}
		}
	}
	if f.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", f.Pending())
	}
}

func TestFramer_ExactMultiple(t *testing.T) {
	t.Parallel()

	f := NewFramer(BlockSize)
	count := 0
	f.Write(make([]float32, 3*BlockSize), func(b []float32) {
		if len(b) != BlockSize {
			t.Errorf("block size = %d, want %d", len(b), BlockSize)
		}
		count++
	})
	if count != 3 {
		t.Errorf("emitted %d blocks, want 3", count)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", f.Pending())
	}
}

func TestFramer_ResetDiscardsPartial(t *testing.T) {
	t.Parallel()

	f := NewFramer(4)
	f.Write([]float32{1, 2}, func([]float32) { t.Fatal("unexpected emit") })
	f.Reset()
	if f.Pending() != 0 {
		t.Fatalf("Pending after Reset = %d", f.Pending())
	}

	var got []float32
	f.Write([]float32{5, 6, 7, 8}, func(b []float32) { got = append(got, b...) })
	if len(got) != 4 || got[0] != 5 {
		t.Errorf("block after Reset = %v, want [5 6 7 8]", got)
	}
}

func TestNewFramer_DefaultSize(t *testing.T) {
	t.Parallel()
	if got := NewFramer(0).Size(); got != BlockSize {
		t.Errorf("Size = %d, want %d", got, BlockSize)
	}
}
