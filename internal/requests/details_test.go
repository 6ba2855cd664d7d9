package requests

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/apierr"
)

func TestDecodeDetails_AllCategories(t *testing.T) {
	tests := []struct {
		raw      string
		category Category
		title    string
		summary  string
		display  string
	}{
		{`{"category":"SOL","project_title":"CRM rollout","requirements":"Migrate sheets"}`, CategorySolution, "CRM rollout", "Migrate sheets", "Solution Implementation"},
		{`{"category":"API","integration_type":"Jira","description":"Two-way sync"}`, CategoryAPI, "Jira", "Two-way sync", "API Integration"},
		{`{"category":"EXP","job_title":"Architect","job_description":"Part time help"}`, CategoryExpert, "Architect", "Part time help", "Hire Smartsheet Expert"},
		{`{"category":"ADM","support_needed":"User cleanup","requirements":"Remove stale seats"}`, CategorySysAdmin, "User cleanup", "Remove stale seats", "System Admin Support"},
		{`{"category":"ADH","need_help_with":"Formulas","description":"Broken sums"}`, CategoryAdhoc, "Formulas", "Broken sums", "Adhoc Request"},
		{`{"category":"PRM","organization_name":"Acme","requirements":"Dynamic View"}`, CategoryPremiumApp, "Acme", "Dynamic View", "Premium App Support"},
		{`{"category":"ONE","consultation_focus":"Portfolio design"}`, CategoryConsultation, "Portfolio design", "Portfolio design", "One-on-One Consultation"},
		{`{"category":"PMO","organization_name":"Globex","required_features":"Rollups"}`, CategoryPMO, "Globex", "Rollups", "PMO Control Center"},
		{`{"category":"LIR","company_name":"Initech","project_needs":"20 seats"}`, CategoryLicense, "Initech", "20 seats", "License Request"},
		{`{"category":"REP","report_name":"Weekly KPIs","report_requirements":"Charts"}`, CategoryReports, "Weekly KPIs", "Charts", "Reports Dashboard"},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			d, err := DecodeDetails(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.category, d.Category())
			assert.Equal(t, tt.title, d.Title())
			assert.Equal(t, tt.summary, d.Summary())
			assert.Equal(t, tt.display, d.Category().DisplayName())
		})
	}
}

func TestDecodeDetails_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not an object", `"SOL"`, "validation_error"},
		{"unknown category", `{"category":"XYZ"}`, "unknown_category"},
		{"missing category", `{"project_title":"x"}`, "unknown_category"},
		{"missing title", `{"category":"SOL","requirements":"x"}`, "validation_error"},
		{"missing description", `{"category":"API","integration_type":"x"}`, "validation_error"},
		{"wrong field type", `{"category":"ADM","support_needed":"x","requirements":"y","number_of_users":"many"}`, "validation_error"},
		{"negative users", `{"category":"ADM","support_needed":"x","requirements":"y","number_of_users":-3}`, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDetails(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.Equal(t, apierr.Validation, apierr.KindOf(err))
			assert.Equal(t, tt.code, apierr.CodeOf(err))
		})
	}
}

func TestMarshalDetails_KeepsCategoryTag(t *testing.T) {
	d := &LicenseDetails{CompanyName: "Initech", ProjectNeeds: "20 seats", NumberOfLicenses: 20}
	raw, err := MarshalDetails(d)
	require.NoError(t, err)

	back, err := DecodeDetails(raw)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestCategory_Unknown(t *testing.T) {
	assert.False(t, Category("FREE").Valid())
	assert.Equal(t, "Unknown Form", Category("FREE").DisplayName())
	assert.True(t, CategoryReports.Valid())
}
