package channels

// SplitMessage breaks text into chunks of at most limit runes. Chunk count
// is always ceil(len/limit); within that constraint the split prefers the
// last newline, then the last space, in the chunk window so words survive.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) == 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		// A soft break is only taken when the remainder still fits in the
		// same number of chunks, keeping the count at ceil(n/limit).
		if idx := lastRune(runes[:limit], '\n'); idx > limit/2 && fitsSame(len(runes), idx+1, limit) {
			cut = idx + 1
		} else if idx := lastRune(runes[:limit], ' '); idx > limit/2 && fitsSame(len(runes), idx+1, limit) {
			cut = idx + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// fitsSame reports whether cutting at soft leaves the same total chunk
// count as cutting hard at limit.
func fitsSame(total, soft, limit int) bool {
	return chunkCount(total-soft, limit)+1 == chunkCount(total, limit)
}

func chunkCount(n, limit int) int {
	if n <= 0 {
		return 0
	}
	return (n + limit - 1) / limit
}
