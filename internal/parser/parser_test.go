package parser

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// reportXML builds a minimal valid document around the given policy and
// record fragments.
func reportXML(policyExtra, records string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <email>noreply-dmarc-support@google.com</email>
    <report_id>1234567890</report_id>
    <date_range>
      <begin>1700000000</begin>
      <end>1700086400</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>example.com</domain>
    %s
  </policy_published>
  %s
</feedback>`, policyExtra, records)
}

const validRecord = `
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>7</count>
      <policy_evaluated>
        <disposition>quarantine</disposition>
        <dkim>fail</dkim>
        <spf>pass</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>example.com</header_from>
      <envelope_from>bounce.example.com</envelope_from>
    </identifiers>
    <auth_results>
      <dkim>
        <domain>example.com</domain>
        <selector>s1</selector>
        <result>FAIL</result>
      </dkim>
      <spf>
        <domain>example.com</domain>
        <scope>mfrom</scope>
        <result>pass</result>
      </spf>
    </auth_results>
  </record>`

func mustParse(t *testing.T, doc string) *Result {
	t.Helper()
	res, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return res
}

func TestParse_FullReport(t *testing.T) {
	res := mustParse(t, reportXML(`
    <adkim>s</adkim>
    <aspf>r</aspf>
    <p>reject</p>
    <sp>quarantine</sp>
    <pct>50</pct>`, validRecord))

	rep := res.Report
	if rep.OrgName != "google.com" || rep.ReportID != "1234567890" {
		t.Errorf("identity = (%s, %s)", rep.OrgName, rep.ReportID)
	}
	if got := rep.DateRangeBegin; !got.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("DateRangeBegin = %v", got)
	}
	pp := rep.PolicyPublished
	if pp.Domain != "example.com" || pp.ADKIM != "s" || pp.Policy != "reject" ||
		pp.SubdomainPolicy != "quarantine" || pp.Percent != 50 {
		t.Errorf("PolicyPublished = %+v", pp)
	}

	if len(rep.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(rep.Records))
	}
	rec := rep.Records[0]
	if rec.SourceIP != "192.0.2.1" || rec.Count != 7 {
		t.Errorf("record row = %s/%d", rec.SourceIP, rec.Count)
	}
	if rec.Disposition != domain.DispositionQuarantine {
		t.Errorf("Disposition = %s", rec.Disposition)
	}
	if rec.DKIM != domain.AuthFail || rec.SPF != domain.AuthPass {
		t.Errorf("evaluated auth = %s/%s", rec.DKIM, rec.SPF)
	}
	if len(rec.DKIMAuth) != 1 || rec.DKIMAuth[0].Result != "fail" || rec.DKIMAuth[0].Selector != "s1" {
		t.Errorf("DKIMAuth = %+v", rec.DKIMAuth)
	}
	if len(rec.SPFAuth) != 1 || rec.SPFAuth[0].Scope != "mfrom" {
		t.Errorf("SPFAuth = %+v", rec.SPFAuth)
	}
	if res.SkippedRecords != 0 {
		t.Errorf("SkippedRecords = %d, want 0", res.SkippedRecords)
	}
}

func TestParse_PolicyDefaults(t *testing.T) {
	res := mustParse(t, reportXML("", validRecord))

	pp := res.Report.PolicyPublished
	if pp.ADKIM != "r" || pp.ASPF != "r" {
		t.Errorf("alignment defaults = %s/%s, want r/r", pp.ADKIM, pp.ASPF)
	}
	if pp.Policy != "none" {
		t.Errorf("Policy = %s, want none", pp.Policy)
	}
	if pp.SubdomainPolicy != "none" {
		t.Errorf("SubdomainPolicy = %s, want inherited from p", pp.SubdomainPolicy)
	}
	if pp.Percent != 100 {
		t.Errorf("Percent = %d, want 100", pp.Percent)
	}
}

func TestParse_PctClampedAndTolerant(t *testing.T) {
	tests := []struct {
		name string
		pct  string
		want int
	}{
		{"above range", "150", 100},
		{"below range", "-5", 0},
		{"in range", "42", 42},
		{"junk falls back", "lots", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustParse(t, reportXML("<pct>"+tt.pct+"</pct>", validRecord))
			if got := res.Report.PolicyPublished.Percent; got != tt.want {
				t.Errorf("Percent = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParse_SubdomainPolicyInheritsExplicitP(t *testing.T) {
	res := mustParse(t, reportXML("<p>reject</p>", validRecord))
	if got := res.Report.PolicyPublished.SubdomainPolicy; got != "reject" {
		t.Errorf("SubdomainPolicy = %s, want reject", got)
	}
}

func TestParse_MissingRequiredMetadata(t *testing.T) {
	base := reportXML("", validRecord)
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "this is not xml"},
		{"missing org_name", replace(base, "<org_name>google.com</org_name>", "")},
		{"missing report_id", replace(base, "<report_id>1234567890</report_id>", "")},
		{"missing begin", replace(base, "<begin>1700000000</begin>", "")},
		{"missing end", replace(base, "<end>1700086400</end>", "")},
		{"inverted range", replace(base, "<begin>1700000000</begin>", "<begin>1800000000</begin>")},
		{"missing domain", replace(base, "<domain>example.com</domain>", "")},
		{"no valid records", reportXML("", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var malformed *MalformedReportError
			if !errors.As(err, &malformed) {
				t.Errorf("Parse() error = %v, want MalformedReportError", err)
			}
		})
	}
}

func TestParse_BadRecordSkippedNotFatal(t *testing.T) {
	badCount := `
  <record>
    <row>
      <source_ip>192.0.2.9</source_ip>
      <policy_evaluated><disposition>none</disposition></policy_evaluated>
    </row>
  </record>`
	badIP := `
  <record>
    <row>
      <source_ip>not-an-ip</source_ip>
      <count>3</count>
      <policy_evaluated><disposition>none</disposition></policy_evaluated>
    </row>
  </record>`

	res := mustParse(t, reportXML("", validRecord+badCount+badIP))

	if len(res.Report.Records) != 1 {
		t.Fatalf("records = %d, want only the valid one", len(res.Report.Records))
	}
	if res.SkippedRecords != 2 {
		t.Errorf("SkippedRecords = %d, want 2", res.SkippedRecords)
	}
	if res.Report.TotalMessages() != 7 {
		t.Errorf("TotalMessages() = %d, want 7", res.Report.TotalMessages())
	}
}

func TestParse_OnlyBadRecordsIsMalformed(t *testing.T) {
	onlyBad := `
  <record>
    <row>
      <source_ip>192.0.2.9</source_ip>
      <count>zero</count>
    </row>
  </record>`
	_, err := Parse([]byte(reportXML("", onlyBad)))
	var malformed *MalformedReportError
	if !errors.As(err, &malformed) {
		t.Fatalf("Parse() error = %v, want MalformedReportError", err)
	}
}

func TestParse_AuthEntryWithoutResultDropped(t *testing.T) {
	rec := `
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>1</count>
      <policy_evaluated><disposition>none</disposition></policy_evaluated>
    </row>
    <auth_results>
      <dkim><domain>example.com</domain></dkim>
      <dkim><domain>example.com</domain><result>pass</result></dkim>
      <spf><domain>example.com</domain><result></result></spf>
    </auth_results>
  </record>`

	res := mustParse(t, reportXML("", rec))
	got := res.Report.Records[0]
	if len(got.DKIMAuth) != 1 || got.DKIMAuth[0].Result != "pass" {
		t.Errorf("DKIMAuth = %+v, want resultless entry dropped", got.DKIMAuth)
	}
	if len(got.SPFAuth) != 0 {
		t.Errorf("SPFAuth = %+v, want empty", got.SPFAuth)
	}
	if res.SkippedRecords != 0 {
		t.Errorf("SkippedRecords = %d, dropped auth entries must not skip the record", res.SkippedRecords)
	}
}

func TestParse_UnknownDispositionDefaultsToNone(t *testing.T) {
	rec := `
  <record>
    <row>
      <source_ip>2001:db8::1</source_ip>
      <count>2</count>
      <policy_evaluated><disposition>sandbox</disposition><dkim>neutral</dkim></policy_evaluated>
    </row>
  </record>`

	res := mustParse(t, reportXML("", rec))
	got := res.Report.Records[0]
	if got.Disposition != domain.DispositionNone {
		t.Errorf("Disposition = %s, want none for unknown value", got.Disposition)
	}
	if got.DKIM != domain.AuthFail {
		t.Errorf("DKIM = %s, want non-pass treated as fail", got.DKIM)
	}
	if got.SourceIP != "2001:db8::1" {
		t.Errorf("SourceIP = %s, IPv6 should survive normalization", got.SourceIP)
	}
}

func replace(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}
