package timer

// 4-ary min-heap sift operations keyed on Timer.when, grounded on
// original_source/kernel/thread/timer.c's sift_up/sift_down. Each node
// has up to 4 children, at indices 4*i+1 .. 4*i+4.

func (w *Wheel) siftUp(i int) {
	h := w.heap
	for i > 0 {
		parent := (i - 1) / 4
		if h[parent].when <= h[i].when {
			break
		}
		h[parent], h[i] = h[i], h[parent]
		h[parent].index, h[i].index = parent, i
		i = parent
	}
}

func (w *Wheel) siftDown(i int) {
	h := w.heap
	n := len(h)
	for {
		smallest := i
		base := 4*i + 1
		for c := base; c < base+4 && c < n; c++ {
			if h[c].when < h[smallest].when {
				smallest = c
			}
		}
		if smallest == i {
			return
		}
		h[i], h[smallest] = h[smallest], h[i]
		h[i].index, h[smallest].index = i, smallest
		i = smallest
	}
}
