// prefix tree of location paths, one node per path segment
// matching is exact: a leaf is only returned when its full path equals the request path
package router

import (
	"strings"

	"github.com/s00inx/webserv/internal/config"
)

// tree node
type node struct {
	prefix string
	ch     []node // children in flat area for data locality
	// locations whose segments end here, "/img" and "/img/" share a node
	locs []*config.Location
}

// insert location into the tree, one node per segment
func (n *node) insert(loc *config.Location) {
	cur := n
	for _, s := range strings.Split(loc.Path, "/") {
		// skip empty segments (leading, trailing and doubled slashes)
		if s == "" {
			continue
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			if cur.ch[i].prefix == s {
				idx = i
				break
			}
		}

		// if no target -> make new node
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: s})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.locs = append(cur.locs, loc)
}

// find the location whose path is exactly path
func (n *node) find(path string) *config.Location {
	cur := n
	rest := path
	for rest != "" {
		var seg string
		seg, rest, _ = strings.Cut(rest, "/")
		if seg == "" {
			continue
		}

		found := false
		for i := range cur.ch {
			if cur.ch[i].prefix == seg {
				cur = &cur.ch[i]
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}

	for _, l := range cur.locs {
		if l.Path == path {
			return l
		}
	}
	return nil
}
