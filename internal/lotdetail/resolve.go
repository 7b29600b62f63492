package lotdetail

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoLotID means no source named a production lot.
var ErrNoLotID = errors.New("lotdetail: production lot id not found")

// Sources are the places a lot id may come from, highest priority first:
// a value the page was rendered with, the query string (id or lot_id), a
// data attribute on the page root, and finally the URL path.
type Sources struct {
	Global   string
	Query    url.Values
	DataAttr string
	Path     string
}

var lotPath = regexp.MustCompile(`/production[-_]lots?/(\d+)(?:/|$)`)

// ResolveLotID returns the first positive id found in src.
func ResolveLotID(src Sources) (int, error) {
	if id, ok := positive(src.Global); ok {
		return id, nil
	}
	for _, k := range []string{"id", "lot_id"} {
		if id, ok := positive(src.Query.Get(k)); ok {
			return id, nil
		}
	}
	if id, ok := positive(src.DataAttr); ok {
		return id, nil
	}
	if m := lotPath.FindStringSubmatch(src.Path); m != nil {
		if id, ok := positive(m[1]); ok {
			return id, nil
		}
	}
	segs := strings.Split(strings.Trim(src.Path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if id, ok := positive(segs[i]); ok {
			return id, nil
		}
	}
	return 0, ErrNoLotID
}

func positive(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
