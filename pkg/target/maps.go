package target

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// region is one file-backed range of the target's address space.
type region struct {
	start uint64
	end   uint64
	path  string
}

// parseMaps extracts the file-backed regions from /proc/<pid>/maps
// content. Anonymous and pseudo mappings ([vdso], [stack], ...) are
// skipped.
func parseMaps(r io.Reader) []region {
	var regions []region
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		path = strings.TrimSuffix(path, " (deleted)")
		if !strings.HasPrefix(path, "/") {
			continue
		}
		var start, end uint64
		if _, err := fmt.Sscanf(fields[0], "%x-%x", &start, &end); err != nil {
			continue
		}
		regions = append(regions, region{start: start, end: end, path: path})
	}
	return regions
}

// mergeRegions collapses the per-segment regions of each file into one
// module-sized range and orders the result by start address.
func mergeRegions(regions []region) []region {
	byPath := make(map[string]*region)
	var merged []*region
	for _, r := range regions {
		m, ok := byPath[r.path]
		if !ok {
			m = &region{start: r.start, end: r.end, path: r.path}
			byPath[r.path] = m
			merged = append(merged, m)
			continue
		}
		if r.start < m.start {
			m.start = r.start
		}
		if r.end > m.end {
			m.end = r.end
		}
	}
	out := make([]region, len(merged))
	for i, m := range merged {
		out[i] = *m
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}
