package correlation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/holidaibutler/warden/internal/integrity"
	"github.com/holidaibutler/warden/internal/model"
)

// Rule names.
const (
	RuleConcurrentDecline    = "concurrent_decline"
	RuleSustainedDegradation = "sustained_degradation"
	RuleBacklogPressure      = "backlog_pressure"
)

// Input is everything a rule may look at. Scans are newest first.
type Input struct {
	Scans            []model.ScanReport
	Open             []model.Issue
	Now              time.Time
	BacklogThreshold int
	BacklogAge       time.Duration
}

// Rule derives compound findings from an Input. Rules must not depend on
// each other's output.
type Rule interface {
	Name() string
	Evaluate(in Input) []model.Finding
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{ConcurrentDecline{}, SustainedDegradation{MinScans: 3}, BacklogPressure{}}
}

func compound(rule, title, narrative string, sev model.Severity, agents []string, evidence []model.EvidenceRef, at time.Time, keyFields ...string) model.Finding {
	f := model.Finding{
		Kind:       model.FindingCorrelation,
		Rule:       rule,
		Severity:   sev,
		DedupKey:   integrity.DedupKey(string(model.FindingCorrelation), append([]string{rule}, keyFields...)...),
		AgentKeys:  agents,
		Assessment: model.AssessmentWorse,
		Label:      string(model.AssessmentWorse),
		Title:      title,
		Narrative:  narrative,
		Evidence:   evidence,
		DetectedAt: at,
	}
	if len(agents) == 1 {
		f.AgentKey = agents[0]
	}
	return f
}

// ConcurrentDecline fires when two or more distinct agents deteriorated in
// the same anomaly scan. Every scan provided is checked on its own, and scans
// that implicate the same agent set merge into one finding so its dedup key
// is stable across the window. Severity is one level above the worst input.
type ConcurrentDecline struct{}

func (ConcurrentDecline) Name() string { return RuleConcurrentDecline }

func (ConcurrentDecline) Evaluate(in Input) []model.Finding {
	type group struct {
		agents   []string
		sevs     []model.Severity
		evidence []model.EvidenceRef
		refs     map[string]bool
		scans    int
	}
	var (
		order  []string
		groups = map[string]*group{}
	)
	for _, s := range in.Scans {
		agents := map[string]bool{}
		var worse []model.Finding
		for _, f := range s.Worse() {
			if f.AgentKey == "" {
				continue
			}
			agents[f.AgentKey] = true
			worse = append(worse, f)
		}
		if len(agents) < 2 {
			continue
		}
		keys := make([]string, 0, len(agents))
		for k := range agents {
			keys = append(keys, k)
		}
		keys = integrity.SortedFields(keys)
		id := strings.Join(keys, "\x00")
		g, ok := groups[id]
		if !ok {
			g = &group{agents: keys, refs: map[string]bool{}}
			groups[id] = g
			order = append(order, id)
		}
		g.scans++
		for _, f := range worse {
			g.sevs = append(g.sevs, f.Severity)
			if !g.refs[f.DedupKey] {
				g.refs[f.DedupKey] = true
				g.evidence = append(g.evidence, model.EvidenceRef{Type: "finding", Ref: f.DedupKey})
			}
		}
	}

	out := make([]model.Finding, 0, len(order))
	for _, id := range order {
		g := groups[id]
		narrative := fmt.Sprintf("%s deteriorated in the same scan", strings.Join(g.agents, ", "))
		if g.scans > 1 {
			narrative = fmt.Sprintf("%s deteriorated together in %d scans", strings.Join(g.agents, ", "), g.scans)
		}
		out = append(out, compound(RuleConcurrentDecline,
			fmt.Sprintf("%d agents declined together", len(g.agents)),
			narrative, model.MaxSeverity(g.sevs...).Bump(), g.agents, g.evidence, in.Now, g.agents...))
	}
	return out
}

// SustainedDegradation fires for each (agent, metric) that deteriorated in
// at least MinScans of the scans provided.
type SustainedDegradation struct {
	MinScans int
}

func (SustainedDegradation) Name() string { return RuleSustainedDegradation }

func (r SustainedDegradation) Evaluate(in Input) []model.Finding {
	type pair struct{ agent, metric string }
	seen := map[pair]int{}
	worst := map[pair]model.Severity{}
	for _, scan := range in.Scans {
		inScan := map[pair]bool{}
		for _, f := range scan.Worse() {
			p := pair{f.AgentKey, f.MetricName}
			if f.AgentKey == "" || f.MetricName == "" || inScan[p] {
				continue
			}
			inScan[p] = true
			seen[p]++
			worst[p] = model.MaxSeverity(worst[p], f.Severity)
		}
	}

	var out []model.Finding
	for p, n := range seen {
		if n < r.MinScans {
			continue
		}
		f := compound(RuleSustainedDegradation,
			fmt.Sprintf("%s: sustained %s degradation", p.agent, p.metric),
			fmt.Sprintf("%s worsened on %s in %d of the last %d scans", p.agent, p.metric, n, len(in.Scans)),
			worst[p], []string{p.agent}, []model.EvidenceRef{{Type: "baseline", Ref: p.agent + "/" + p.metric}},
			in.Now, p.agent, p.metric)
		f.MetricName = p.metric
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b model.Finding) int { return strings.Compare(a.DedupKey, b.DedupKey) })
	return out
}

// BacklogPressure fires when more than BacklogThreshold unresolved issues
// are older than BacklogAge.
type BacklogPressure struct{}

func (BacklogPressure) Name() string { return RuleBacklogPressure }

func (BacklogPressure) Evaluate(in Input) []model.Finding {
	self := integrity.DedupKey(string(model.FindingCorrelation), RuleBacklogPressure)
	cutoff := in.Now.Add(-in.BacklogAge)
	var (
		aged     int
		overdue  int
		evidence []model.EvidenceRef
	)
	for _, i := range in.Open {
		if i.DedupKey == self || !i.Status.Unresolved() || !i.OpenedAt.Before(cutoff) {
			continue
		}
		aged++
		if i.Overdue(in.Now) {
			overdue++
		}
		evidence = append(evidence, model.EvidenceRef{Type: "issue", Ref: i.ID.String()})
	}
	if aged <= in.BacklogThreshold {
		return nil
	}
	return []model.Finding{compound(RuleBacklogPressure,
		"Issue backlog at SLA risk",
		fmt.Sprintf("%d issues open longer than %s, %d past their SLA deadline", aged, in.BacklogAge, overdue),
		model.SeverityP2, nil, evidence, in.Now)}
}
