package schedule

import (
	"fmt"
	"time"

	"github.com/osteele/liquid"

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/domain"
)

var renderEngine = liquid.NewEngine()

// summaryTemplate is the plain-text email body for a scheduled summary.
const summaryTemplate = `Scheduled DMARC report: {{ name }}
Window: last {{ day_range }} days ({{ from }} to {{ to }})
Domain filter: {{ domain }}
Total messages: {{ total }}

By disposition:
{% for d in dispositions -%}
- {{ d.label }}: {{ d.count }}
{% endfor -%}
{% if sources.size > 0 %}
Top sources:
{% for s in sources -%}
- {{ s.ip }}: {{ s.count }}
{% endfor -%}
{% endif -%}
{% if total == 0 %}
No records in the selected window.
{% endif %}`

// topSources caps the per-IP listing so a busy window stays readable.
const topSources = 10

func renderSummary(sched *domain.Schedule, summary *aggregate.Summary, from, to time.Time) (string, error) {
	domainFilter := sched.DomainFilter
	if domainFilter == "" {
		domainFilter = "all domains"
	}

	dispositions := make([]map[string]interface{}, 0, len(summary.ByDisposition))
	for _, d := range []domain.Disposition{domain.DispositionNone, domain.DispositionQuarantine, domain.DispositionReject} {
		if n, ok := summary.ByDisposition[d]; ok {
			dispositions = append(dispositions, map[string]interface{}{"label": string(d), "count": n})
		}
	}

	sources := make([]map[string]interface{}, 0, topSources)
	for i, sc := range summary.BySource {
		if i >= topSources {
			break
		}
		sources = append(sources, map[string]interface{}{"ip": sc.SourceIP, "count": sc.Count})
	}

	body, err := renderEngine.ParseAndRenderString(summaryTemplate, liquid.Bindings{
		"name":         sched.Name,
		"day_range":    sched.DayRange,
		"from":         from.UTC().Format("2006-01-02"),
		"to":           to.UTC().Format("2006-01-02"),
		"domain":       domainFilter,
		"total":        summary.TotalMessages,
		"dispositions": dispositions,
		"sources":      sources,
	})
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return body, nil
}
