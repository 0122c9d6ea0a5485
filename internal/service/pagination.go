package service

import "github.com/google/uuid"

// normalizePage clamps paging input: page starts at 1, size defaults to 20 and never exceeds max.
func normalizePage(page, size, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if max > 0 && size > max {
		size = max
	}
	return page, size
}

// isUUID guards uuid columns from malformed path input, which would otherwise surface as a driver error.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
