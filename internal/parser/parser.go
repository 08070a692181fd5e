// Package parser converts DMARC aggregate report XML into domain values.
//
// Vendor implementations diverge from the schema in small ways (missing
// optional attributes, stray whitespace, junk counts), so failure is scoped
// to the smallest broken unit: a bad record is skipped and counted, a report
// missing required metadata is rejected as a whole, and nothing past the
// record boundary ever aborts parsing.
package parser

import (
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// MalformedReportError indicates a document that cannot be accepted at all:
// required metadata is missing or no valid record survived filtering.
type MalformedReportError struct {
	Reason string
}

func (e *MalformedReportError) Error() string {
	return "malformed report: " + e.Reason
}

// Result carries a parsed report plus the number of records that were
// dropped for per-record defects, for observability.
type Result struct {
	Report         *domain.AggregateReport
	SkippedRecords int
}

type feedback struct {
	XMLName         xml.Name        `xml:"feedback"`
	ReportMetadata  reportMetadata  `xml:"report_metadata"`
	PolicyPublished policyPublished `xml:"policy_published"`
	Records         []record        `xml:"record"`
}

type reportMetadata struct {
	OrgName          string    `xml:"org_name"`
	Email            string    `xml:"email"`
	ExtraContactInfo string    `xml:"extra_contact_info"`
	ReportID         string    `xml:"report_id"`
	DateRange        dateRange `xml:"date_range"`
}

type dateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

type policyPublished struct {
	Domain string `xml:"domain"`
	ADKIM  string `xml:"adkim"`
	ASPF   string `xml:"aspf"`
	P      string `xml:"p"`
	SP     string `xml:"sp"`
	Pct    string `xml:"pct"`
}

type record struct {
	Row         row         `xml:"row"`
	Identifiers identifiers `xml:"identifiers"`
	AuthResults authResults `xml:"auth_results"`
}

type row struct {
	SourceIP        string          `xml:"source_ip"`
	Count           string          `xml:"count"`
	PolicyEvaluated policyEvaluated `xml:"policy_evaluated"`
}

type policyEvaluated struct {
	Disposition string `xml:"disposition"`
	DKIM        string `xml:"dkim"`
	SPF         string `xml:"spf"`
}

type identifiers struct {
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from"`
}

type authResults struct {
	DKIM []dkimResult `xml:"dkim"`
	SPF  []spfResult  `xml:"spf"`
}

type dkimResult struct {
	Domain   string `xml:"domain"`
	Selector string `xml:"selector"`
	Result   string `xml:"result"`
}

type spfResult struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope"`
	Result string `xml:"result"`
}

// Parse decodes one aggregate report document. It returns a
// *MalformedReportError when org name, report id, the date range, or the
// published domain is missing, when the range is inverted, or when no valid
// record remains after per-record filtering.
func Parse(data []byte) (*Result, error) {
	var fb feedback
	if err := xml.Unmarshal(data, &fb); err != nil {
		return nil, &MalformedReportError{Reason: fmt.Sprintf("invalid XML: %v", err)}
	}

	md := fb.ReportMetadata
	orgName := strings.TrimSpace(md.OrgName)
	reportID := strings.TrimSpace(md.ReportID)
	pubDomain := strings.TrimSpace(fb.PolicyPublished.Domain)

	switch {
	case orgName == "":
		return nil, &MalformedReportError{Reason: "missing org_name"}
	case reportID == "":
		return nil, &MalformedReportError{Reason: "missing report_id"}
	case md.DateRange.Begin == 0 || md.DateRange.End == 0:
		return nil, &MalformedReportError{Reason: "missing date_range"}
	case md.DateRange.Begin > md.DateRange.End:
		return nil, &MalformedReportError{Reason: "date_range begin after end"}
	case pubDomain == "":
		return nil, &MalformedReportError{Reason: "missing policy_published domain"}
	}

	report := &domain.AggregateReport{
		ReportID:         reportID,
		OrgName:          orgName,
		Email:            strings.TrimSpace(md.Email),
		ExtraContactInfo: strings.TrimSpace(md.ExtraContactInfo),
		DateRangeBegin:   time.Unix(md.DateRange.Begin, 0).UTC(),
		DateRangeEnd:     time.Unix(md.DateRange.End, 0).UTC(),
		PolicyPublished:  publishedPolicy(fb.PolicyPublished, pubDomain),
	}

	skipped := 0
	for _, rec := range fb.Records {
		converted, ok := convertRecord(rec)
		if !ok {
			skipped++
			continue
		}
		report.Records = append(report.Records, converted)
	}

	if len(report.Records) == 0 {
		return nil, &MalformedReportError{Reason: "no valid records"}
	}

	return &Result{Report: report, SkippedRecords: skipped}, nil
}

// publishedPolicy applies the schema defaults: relaxed alignment, pct 100,
// and sp inheriting p.
func publishedPolicy(pp policyPublished, pubDomain string) domain.PolicyPublished {
	out := domain.PolicyPublished{
		Domain:  pubDomain,
		ADKIM:   defaultString(pp.ADKIM, "r"),
		ASPF:    defaultString(pp.ASPF, "r"),
		Policy:  defaultString(pp.P, "none"),
		Percent: 100,
	}
	out.SubdomainPolicy = defaultString(pp.SP, out.Policy)

	if pct := strings.TrimSpace(pp.Pct); pct != "" {
		if n, err := strconv.Atoi(pct); err == nil {
			out.Percent = clamp(n, 0, 100)
		}
	}
	return out
}

// convertRecord validates one record row. A missing, non-numeric, or
// non-positive count, or an unparseable source IP, disqualifies the record.
func convertRecord(rec record) (domain.Record, bool) {
	count, err := strconv.Atoi(strings.TrimSpace(rec.Row.Count))
	if err != nil || count <= 0 {
		return domain.Record{}, false
	}

	ip := net.ParseIP(strings.TrimSpace(rec.Row.SourceIP))
	if ip == nil {
		return domain.Record{}, false
	}

	out := domain.Record{
		SourceIP:     ip.String(),
		Count:        count,
		Disposition:  disposition(rec.Row.PolicyEvaluated.Disposition),
		DKIM:         authResult(rec.Row.PolicyEvaluated.DKIM),
		SPF:          authResult(rec.Row.PolicyEvaluated.SPF),
		HeaderFrom:   strings.TrimSpace(rec.Identifiers.HeaderFrom),
		EnvelopeFrom: strings.TrimSpace(rec.Identifiers.EnvelopeFrom),
	}

	// Auth-result entries without a result value are dropped from their
	// list only; they never disqualify the record.
	for _, d := range rec.AuthResults.DKIM {
		if strings.TrimSpace(d.Result) == "" {
			continue
		}
		out.DKIMAuth = append(out.DKIMAuth, domain.DKIMAuthResult{
			Domain:   strings.TrimSpace(d.Domain),
			Selector: strings.TrimSpace(d.Selector),
			Result:   strings.ToLower(strings.TrimSpace(d.Result)),
		})
	}
	for _, s := range rec.AuthResults.SPF {
		if strings.TrimSpace(s.Result) == "" {
			continue
		}
		out.SPFAuth = append(out.SPFAuth, domain.SPFAuthResult{
			Domain: strings.TrimSpace(s.Domain),
			Scope:  strings.TrimSpace(s.Scope),
			Result: strings.ToLower(strings.TrimSpace(s.Result)),
		})
	}

	return out, true
}

func disposition(v string) domain.Disposition {
	switch domain.Disposition(strings.ToLower(strings.TrimSpace(v))) {
	case domain.DispositionQuarantine:
		return domain.DispositionQuarantine
	case domain.DispositionReject:
		return domain.DispositionReject
	default:
		return domain.DispositionNone
	}
}

func authResult(v string) domain.AuthResult {
	if strings.EqualFold(strings.TrimSpace(v), "pass") {
		return domain.AuthPass
	}
	return domain.AuthFail
}

func defaultString(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
