package aggregate

import (
	"net/url"
	"sort"
	"strings"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/metrics"
)

// trackingParams are query parameters that identify a visit, not a document.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"ref":    true,
	"mc_cid": true,
	"mc_eid": true,
}

// normalizeSourceKey reduces a citation to its identity: the normalized URL
// plus the normalized title. Scheme, www prefix, trailing slash, and tracking
// parameters do not distinguish documents, but the title does: one URL can
// host several cited documents, so same-URL citations with different titles
// stay distinct.
func normalizeSourceKey(src agents.SourceCitation) string {
	title := strings.ToLower(strings.TrimSpace(src.Title))
	raw := strings.TrimSpace(src.URL)
	if raw == "" {
		return "title:" + title
	}

	u, err := url.Parse(strings.ToLower(raw))
	if err != nil || u.Host == "" && u.Path == "" {
		return strings.ToLower(raw) + "|title:" + title
	}

	host := strings.TrimPrefix(u.Host, "www.")
	path := strings.TrimSuffix(u.Path, "/")

	query := u.Query()
	var kept []string
	for key, values := range query {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			continue
		}
		for _, v := range values {
			kept = append(kept, key+"="+v)
		}
	}
	sort.Strings(kept)

	key := host + path
	if len(kept) > 0 {
		key += "?" + strings.Join(kept, "&")
	}
	return key + "|title:" + title
}

// DedupeSources collapses citations referring to the same document, keeping
// the highest credibility score seen for each. First-seen order is preserved,
// so the operation is idempotent.
func (a *Aggregator) DedupeSources(sources []agents.SourceCitation) []agents.SourceCitation {
	out, _ := a.dedupeSources(sources)
	return out
}

// dedupeSources additionally returns, for each input position, the output
// position its document landed on, so finding indices can follow the merge.
func (a *Aggregator) dedupeSources(sources []agents.SourceCitation) ([]agents.SourceCitation, []int) {
	index := make(map[string]int, len(sources))
	remap := make([]int, len(sources))
	var out []agents.SourceCitation
	removed := 0

	for i, src := range sources {
		key := normalizeSourceKey(src)
		if at, seen := index[key]; seen {
			removed++
			remap[i] = at
			if src.CredibilityScore > out[at].CredibilityScore {
				out[at] = src
			}
			continue
		}
		index[key] = len(out)
		remap[i] = len(out)
		out = append(out, src)
	}

	if removed > 0 {
		metrics.SourcesDeduped.Add(float64(removed))
	}
	return out, remap
}
