package domain

import "time"

// Disposition enumerates the policy action applied by the reporting receiver.
type Disposition string

const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
)

// AuthResult is the evaluated pass/fail outcome of DKIM or SPF for a record.
type AuthResult string

const (
	AuthPass AuthResult = "pass"
	AuthFail AuthResult = "fail"
)

// PolicyPublished is the DMARC policy the domain owner had published at the
// time the report was generated.
type PolicyPublished struct {
	Domain          string `json:"domain" db:"domain"`
	ADKIM           string `json:"adkim" db:"adkim"`
	ASPF            string `json:"aspf" db:"aspf"`
	Policy          string `json:"p" db:"p"`
	SubdomainPolicy string `json:"sp" db:"sp"`
	Percent         int    `json:"pct" db:"pct"`
}

// AggregateReport is one ingested DMARC aggregate (rua) document.
//
// Identity is the (OrgName, ReportID) pair: report IDs are only unique per
// reporting organization, so dedup keys on both.
type AggregateReport struct {
	ID               string          `json:"id" db:"id"`
	ReportID         string          `json:"report_id" db:"report_id"`
	OrgName          string          `json:"org_name" db:"org_name"`
	Email            string          `json:"email,omitempty" db:"email"`
	ExtraContactInfo string          `json:"extra_contact_info,omitempty" db:"extra_contact_info"`
	DateRangeBegin   time.Time       `json:"date_range_begin" db:"date_range_begin"`
	DateRangeEnd     time.Time       `json:"date_range_end" db:"date_range_end"`
	PolicyPublished  PolicyPublished `json:"policy_published"`
	Records          []Record        `json:"records,omitempty"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Record is one row inside an aggregate report: one source IP with the
// authentication outcomes observed for it. Count is the number of messages
// the row stands for, never 1 implicitly.
type Record struct {
	ID           string           `json:"id" db:"id"`
	SourceIP     string           `json:"source_ip" db:"source_ip"`
	Count        int              `json:"count" db:"count"`
	Disposition  Disposition      `json:"disposition" db:"disposition"`
	DKIM         AuthResult       `json:"dkim" db:"dkim"`
	SPF          AuthResult       `json:"spf" db:"spf"`
	HeaderFrom   string           `json:"header_from,omitempty" db:"header_from"`
	EnvelopeFrom string           `json:"envelope_from,omitempty" db:"envelope_from"`
	DKIMAuth     []DKIMAuthResult `json:"dkim_auth,omitempty"`
	SPFAuth      []SPFAuthResult  `json:"spf_auth,omitempty"`
}

// DKIMAuthResult is one raw DKIM verification entry from auth_results.
type DKIMAuthResult struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector,omitempty"`
	Result   string `json:"result"`
}

// SPFAuthResult is one raw SPF verification entry from auth_results.
type SPFAuthResult struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope,omitempty"`
	Result string `json:"result"`
}

// TotalMessages sums the record counts of the report.
func (r *AggregateReport) TotalMessages() int {
	total := 0
	for i := range r.Records {
		total += r.Records[i].Count
	}
	return total
}
