package util

const DefaultPageSize = 10

// Calculate turns 1-based page/size query parameters into an offset and a
// clamped limit.
func Calculate(page, size int) (from, limit int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = DefaultPageSize
	}
	from = (page - 1) * size
	return from, size
}
