package pipeline

import (
	"strings"

	"github.com/svcops/intake/internal/casestore"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/payload"
)

// Candidate field names, canonical form, checked in order. Upstream forms
// vary per channel so each column accepts a small set of aliases.
var (
	beneficiaryNameFields  = []string{"Beneficiary Name"}
	beneficiaryFirstFields = []string{"Beneficiary First Name", "First Name"}
	beneficiaryLastFields  = []string{"Beneficiary Last Name", "Last Name"}
	beneficiaryMBIFields   = []string{"Beneficiary Medicare ID", "Medicare ID", "MBI"}
	providerNameFields     = []string{"Provider Name", "Requesting Provider Name", "Requestor Name"}
	providerNPIFields      = []string{"Provider NPI", "NPI", "Requesting Provider NPI"}
	submissionTypeFields   = []string{"Submission Type", "Request Type", "Priority"}
)

// CaseUpdatesFromBundle maps the working field bundle onto the placeholder
// Case columns. Empty values mean "nothing extracted"; the store only writes
// columns still holding their TBD sentinel.
func CaseUpdatesFromBundle(b *core.FieldBundle) casestore.CaseFieldUpdates {
	var u casestore.CaseFieldUpdates
	if b.Empty() {
		return u
	}

	u.BeneficiaryName = lookupField(b, beneficiaryNameFields)
	if u.BeneficiaryName == "" {
		first := lookupField(b, beneficiaryFirstFields)
		last := lookupField(b, beneficiaryLastFields)
		u.BeneficiaryName = strings.TrimSpace(first + " " + last)
	}
	u.BeneficiaryMBI = lookupField(b, beneficiaryMBIFields)
	u.ProviderName = lookupField(b, providerNameFields)
	if npi, ok := NormalizeNPI(lookupField(b, providerNPIFields)); ok {
		u.ProviderNPI = npi
	}
	u.SubmissionType = MapSubmissionType(lookupField(b, submissionTypeFields))
	return u
}

func lookupField(b *core.FieldBundle, names []string) string {
	for _, want := range names {
		for name, f := range b.Fields {
			if strings.EqualFold(payload.CanonicalFieldName(name), want) {
				if v := strings.TrimSpace(f.Value); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// NormalizeNPI canonicalizes a provider NPI to 10 digits. A 9-digit value is
// accepted with a leading zero; anything else is rejected and the column
// keeps its placeholder.
func NormalizeNPI(raw string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if cleaned == "" {
		return "", false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	switch len(cleaned) {
	case 10:
		return cleaned, true
	case 9:
		return "0" + cleaned, true
	default:
		return "", false
	}
}

var (
	expeditedPrefixes = []string{"expedited", "expedite", "urgent", "rush"}
	standardPrefixes  = []string{"standard", "normal", "routine", "regular"}
)

// MapSubmissionType classifies the extracted submission-type text by
// case-insensitive prefix match. Unrecognized text leaves the column null.
func MapSubmissionType(raw string) core.SubmissionType {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return core.SubmissionUnset
	}
	for _, p := range expeditedPrefixes {
		if strings.HasPrefix(v, p) {
			return core.SubmissionExpedited
		}
	}
	for _, p := range standardPrefixes {
		if strings.HasPrefix(v, p) {
			return core.SubmissionStandard
		}
	}
	return core.SubmissionUnset
}
