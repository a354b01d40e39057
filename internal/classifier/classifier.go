package classifier

import (
	"slices"
	"strings"

	"github.com/ssuji15/ciwatch/model"
)

// DefaultPool is returned when no rule matches.
const DefaultPool = "Other"

type LabelRule struct {
	Labels      []string `json:"labels" validate:"required,min=1,dive,required"`
	Name        string   `json:"name" validate:"required"`
	SelfHosted  bool     `json:"self_hosted"`
	RunnerCount int      `json:"runner_count" validate:"gte=0"`
}

type PrefixRule struct {
	Prefix     string `json:"prefix" validate:"required"`
	Name       string `json:"name" validate:"required"`
	SelfHosted bool   `json:"self_hosted"`
}

// Rules is an immutable, ordered rule set. The zero value classifies everything as Other.
type Rules struct {
	prefixes []PrefixRule
	labels   []LabelRule
}

func NewRules(prefixes []PrefixRule, labels []LabelRule) Rules {
	r := Rules{
		prefixes: slices.Clone(prefixes),
		labels:   make([]LabelRule, len(labels)),
	}
	for i, l := range labels {
		l.Labels = slices.Clone(l.Labels)
		r.labels[i] = l
	}
	return r
}

// DefaultRules is the built-in label table used when no rules file is configured.
func DefaultRules() Rules {
	return NewRules(nil, []LabelRule{
		{Labels: []string{"Linux", "self-hosted", "GPU"}, Name: "Linux GPU (GCP)", SelfHosted: true},
		{Labels: []string{"Windows", "self-hosted", "GCP-T4"}, Name: "Windows GPU (GCP)", SelfHosted: true},
		// same physical machines behind several labels
		{Labels: []string{"Windows", "self-hosted", "regression-test"}, Name: "Windows", SelfHosted: true},
		{Labels: []string{"Windows", "self-hosted", "benchmark"}, Name: "Windows", SelfHosted: true},
		{Labels: []string{"Windows", "self-hosted", "falcor"}, Name: "Windows", SelfHosted: true},
		{Labels: []string{"Windows", "self-hosted", "perf"}, Name: "Windows", SelfHosted: true},
		{Labels: []string{"ubuntu-22.04"}, Name: "Linux (GH)"},
		{Labels: []string{"ubuntu-latest"}, Name: "Linux (GH)"},
		{Labels: []string{"ubuntu-24.04-arm"}, Name: "Linux ARM64 (GH)"},
		{Labels: []string{"macos-latest"}, Name: "macOS (GH)"},
		{Labels: []string{"windows-latest"}, Name: "Windows (GH)"},
	})
}

// Classify maps an agent name or job labels to a pool.
// Name prefixes are checked first, since scale-set runners report no labels,
// then label rules where every rule label must be present. First match wins.
func (r Rules) Classify(labels []string, agentName string) (string, bool) {
	if agentName != "" {
		for _, p := range r.prefixes {
			if strings.HasPrefix(agentName, p.Prefix) {
				return p.Name, p.SelfHosted
			}
		}
	}

	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	for _, rule := range r.labels {
		if subset(rule.Labels, set) {
			return rule.Name, rule.SelfHosted
		}
	}
	return DefaultPool, false
}

func subset(required []string, have map[string]struct{}) bool {
	for _, l := range required {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// Tag stamps the pool classification onto a job record.
func (r Rules) Tag(j *model.JobRecord) {
	j.Pool, j.SelfManaged = r.Classify(j.Labels, j.RunnerName)
}

// Order lists configured pool names by first appearance, label rules first.
func (r Rules) Order() []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, l := range r.labels {
		add(l.Name)
	}
	for _, p := range r.prefixes {
		add(p.Name)
	}
	return out
}

// SelfManagedPools returns each self-hosted pool once with its configured
// fleet size. Multiple label rules for one pool contribute the largest count.
func (r Rules) SelfManagedPools() []model.Pool {
	var out []model.Pool
	idx := map[string]int{}
	add := func(name string, count int) {
		if i, ok := idx[name]; ok {
			out[i].RunnerCount = max(out[i].RunnerCount, count)
			return
		}
		idx[name] = len(out)
		out = append(out, model.Pool{Name: name, SelfManaged: true, RunnerCount: count})
	}
	for _, l := range r.labels {
		if l.SelfHosted {
			add(l.Name, l.RunnerCount)
		}
	}
	for _, p := range r.prefixes {
		if p.SelfHosted {
			add(p.Name, 0)
		}
	}
	return out
}

// IsSelfManaged reports whether any rule marks pool as self-hosted.
func (r Rules) IsSelfManaged(pool string) bool {
	for _, p := range r.SelfManagedPools() {
		if p.Name == pool {
			return true
		}
	}
	return false
}
