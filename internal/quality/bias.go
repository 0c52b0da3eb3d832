package quality

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/agents"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/aggregate"
	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// detectBiases scans the consolidated output for systematic skews in the
// evidence base. Biases are reported, never corrected automatically.
func (v *Validator) detectBiases(c aggregate.Consolidated) []state.Issue {
	var issues []state.Issue
	if issue, found := v.confirmationBias(c); found {
		issues = append(issues, issue)
	}
	if issue, found := v.recencyBias(c.Sources); found {
		issues = append(issues, issue)
	}
	if issue, found := v.geographicBias(c.Sources); found {
		issues = append(issues, issue)
	}
	return issues
}

// confirmationBias fires when several findings share an identical source-type
// signature: evidence that always comes from the same mix of venues tends to
// confirm itself.
func (v *Validator) confirmationBias(c aggregate.Consolidated) (state.Issue, bool) {
	counts := map[string]int{}
	for _, f := range c.Findings {
		sig := sourceTypeSignature(f.SourceIndices, c.Sources)
		if sig == "" {
			continue
		}
		counts[sig]++
	}
	for sig, n := range counts {
		if n > v.cfg.ConfirmationBiasFindings {
			return state.NewIssue("confirmation-bias", state.SeverityMedium,
				fmt.Sprintf("%d findings share the identical source-type signature %q; corroborate with other source types", n, sig)), true
		}
	}
	return state.Issue{}, false
}

// sourceTypeSignature is the sorted set of source types backing a finding,
// rendered as a stable key.
func sourceTypeSignature(indices []int, sources []agents.SourceCitation) string {
	set := map[string]bool{}
	for _, idx := range indices {
		if idx >= 0 && idx < len(sources) {
			set[string(sources[idx].Type)] = true
		}
	}
	if len(set) == 0 {
		return ""
	}
	var types []string
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, "+")
}

// recencyBias fires when nearly all sources date from the last 30 days, which
// can miss longer-term context. Publication date is preferred; access time is
// the fallback when the worker could not determine one.
func (v *Validator) recencyBias(sources []agents.SourceCitation) (state.Issue, bool) {
	if len(sources) == 0 {
		return state.Issue{}, false
	}
	now := time.Now().UTC()
	recent := 0
	for _, s := range sources {
		dated := s.AccessedAt
		if s.PublicationDate != nil {
			dated = *s.PublicationDate
		}
		if now.Sub(dated) <= 30*24*time.Hour {
			recent++
		}
	}
	share := float64(recent) / float64(len(sources))
	if share > v.cfg.RecencyBiasShare {
		return state.NewIssue("recency-bias", state.SeverityMedium,
			fmt.Sprintf("%.0f%% of sources were published within the last 30 days; add historical context", share*100)), true
	}
	return state.Issue{}, false
}

// geographicBias fires when most source domains share a single country-code
// TLD. It only triggers with enough distinct domains to be meaningful.
func (v *Validator) geographicBias(sources []agents.SourceCitation) (state.Issue, bool) {
	domains := map[string]string{} // domain -> ccTLD ("" when generic)
	for _, s := range sources {
		u, err := url.Parse(strings.ToLower(strings.TrimSpace(s.URL)))
		if err != nil || u.Host == "" {
			continue
		}
		host := strings.TrimPrefix(u.Hostname(), "www.")
		labels := strings.Split(host, ".")
		tld := labels[len(labels)-1]
		if len(tld) != 2 {
			tld = ""
		}
		domains[host] = tld
	}
	if len(domains) <= v.cfg.GeographicBiasMinDomains {
		return state.Issue{}, false
	}

	counts := map[string]int{}
	for _, tld := range domains {
		if tld != "" {
			counts[tld]++
		}
	}
	var tlds []string
	for tld := range counts {
		tlds = append(tlds, tld)
	}
	sort.Strings(tlds)
	for _, tld := range tlds {
		share := float64(counts[tld]) / float64(len(domains))
		if share > v.cfg.GeographicBiasShare {
			return state.NewIssue("geographic-bias", state.SeverityMedium,
				fmt.Sprintf("%.0f%% of source domains are under .%s; broaden the geographic mix", share*100, tld)), true
		}
	}
	return state.Issue{}, false
}
