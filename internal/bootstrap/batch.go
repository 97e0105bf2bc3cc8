package bootstrap

// Batch is a group of chunks executed as one observation call, addressed by
// its deterministic index.
type Batch struct {
	Index  int
	Chunks []Chunk
}

// Chars returns the total character count of the batch.
func (b Batch) Chars() int {
	total := 0
	for _, c := range b.Chunks {
		total += len(c.Text)
	}
	return total
}

// Labels returns the chunk labels in order.
func (b Batch) Labels() []string {
	labels := make([]string, len(b.Chunks))
	for i, c := range b.Chunks {
		labels[i] = c.Label
	}
	return labels
}

// PackBatches greedily packs chunks into batches whose concatenated size
// stays within charBudget; a single chunk larger than the budget forms a
// batch of its own. A zero budget disables packing (one chunk per
// batch). Chunk order is preserved, so the batch list is deterministic for
// a given source enumeration.
func PackBatches(chunks []Chunk, charBudget int) []Batch {
	var batches []Batch

	if charBudget <= 0 {
		for i, c := range chunks {
			batches = append(batches, Batch{Index: i, Chunks: []Chunk{c}})
		}
		return batches
	}

	var cur []Chunk
	curChars := 0
	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, Batch{Index: len(batches), Chunks: cur})
			cur = nil
			curChars = 0
		}
	}

	for _, c := range chunks {
		if len(cur) > 0 && curChars+len(c.Text) > charBudget {
			flush()
		}
		cur = append(cur, c)
		curChars += len(c.Text)
	}
	flush()

	return batches
}
