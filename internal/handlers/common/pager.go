package common

import (
	"net/http"
	"strconv"

	"upfweb/internal/models"
)

// Pager links the previous and next pages of a server-paginated list,
// keeping the other query parameters.
type Pager struct {
	Page    int
	Pages   int
	Total   int
	PrevURL string
	NextURL string
}

// NewPager builds links from the request URL and the backend's metadata.
func NewPager(r *http.Request, meta models.Meta) Pager {
	p := Pager{Page: meta.Page, Pages: meta.Pages, Total: meta.Total}
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Pages <= 0 && meta.Limit > 0 {
		p.Pages = (meta.Total + meta.Limit - 1) / meta.Limit
	}
	link := func(page int) string {
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(page))
		return r.URL.Path + "?" + q.Encode()
	}
	if p.Page > 1 {
		p.PrevURL = link(p.Page - 1)
	}
	if p.Page < p.Pages {
		p.NextURL = link(p.Page + 1)
	}
	return p
}
