package shared

import "math"

// PageRequest is a page/per-page pair as received from query strings.
type PageRequest struct {
	Page    int
	PerPage int
}

// Normalize applies defaults and caps the page size.
func (p PageRequest) Normalize() PageRequest {
	if p.PerPage <= 0 {
		p.PerPage = 20
	}
	if p.PerPage > 200 {
		p.PerPage = 200
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return p
}

// Offset returns the row offset for the page.
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PerPage
}

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes pagination metadata.
func NewPagination(req PageRequest, total int) Pagination {
	req = req.Normalize()
	totalPages := int(math.Ceil(float64(total) / float64(req.PerPage)))
	return Pagination{Page: req.Page, PerPage: req.PerPage, Total: total, TotalPages: totalPages}
}
