package dashboard

// DefaultPageSize applies when neither the request nor the aggregator sets
// a page size.
const DefaultPageSize = 20

// PageRequest selects a 1-based page. Zero values select page 1 and the
// aggregator's default size.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Page is one page of a query result. Total counts every matching item.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// paginate slices items for req. Pages past the end are empty but still
// report the total.
func paginate[T any](items []T, req PageRequest, defaultSize int) Page[T] {
	size := req.PageSize
	if size <= 0 {
		size = defaultSize
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	page := max(req.Page, 1)

	out := Page[T]{Items: []T{}, Total: len(items), Page: page, PageSize: size}
	// Bound the page before multiplying so huge page numbers cannot wrap.
	if page-1 > len(items)/size {
		return out
	}
	start := (page - 1) * size
	end := min(start+size, len(items))
	if start < len(items) {
		out.Items = items[start:end]
	}
	return out
}
