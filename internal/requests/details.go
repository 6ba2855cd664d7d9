package requests

import (
	"encoding/json"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/validation"
)

// Category is the intake form a request was submitted with.
type Category string

const (
	CategorySolution     Category = "SOL"
	CategoryAPI          Category = "API"
	CategoryExpert       Category = "EXP"
	CategorySysAdmin     Category = "ADM"
	CategoryAdhoc        Category = "ADH"
	CategoryPremiumApp   Category = "PRM"
	CategoryConsultation Category = "ONE"
	CategoryPMO          Category = "PMO"
	CategoryLicense      Category = "LIR"
	CategoryReports      Category = "REP"
)

var displayNames = map[Category]string{
	CategorySolution:     "Solution Implementation",
	CategoryAPI:          "API Integration",
	CategoryExpert:       "Hire Smartsheet Expert",
	CategorySysAdmin:     "System Admin Support",
	CategoryAdhoc:        "Adhoc Request",
	CategoryPremiumApp:   "Premium App Support",
	CategoryConsultation: "One-on-One Consultation",
	CategoryPMO:          "PMO Control Center",
	CategoryLicense:      "License Request",
	CategoryReports:      "Reports Dashboard",
}

// DisplayName returns the human-readable form name.
func (c Category) DisplayName() string {
	if name, ok := displayNames[c]; ok {
		return name
	}
	return "Unknown Form"
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := displayNames[c]
	return ok
}

// RequestDetails is the category-specific body of a service request.
// Title and Summary are the projections shown in chat lists and job boards.
type RequestDetails interface {
	Category() Category
	Title() string
	Summary() string
	Validate() error
}

const (
	maxShortField = 200
	maxLongField  = 5000
)

var ErrUnknownCategory = apierr.WithCode(apierr.Validation, "unknown_category", "unknown request category")

// DecodeDetails decodes {"category": "...", ...fields} into the matching
// details struct and validates it.
func DecodeDetails(raw json.RawMessage) (RequestDetails, error) {
	d, err := unmarshalDetails(raw)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func unmarshalDetails(raw json.RawMessage) (RequestDetails, error) {
	var tag struct {
		Category Category `json:"category"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "details must be a JSON object", err)
	}

	d := newDetails(tag.Category)
	if d == nil {
		return nil, ErrUnknownCategory
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "invalid details for "+string(tag.Category), err)
	}
	return d, nil
}

// MarshalDetails encodes d with its category tag.
func MarshalDetails(d RequestDetails) (json.RawMessage, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["category"], _ = json.Marshal(d.Category())
	return json.Marshal(fields)
}

func newDetails(c Category) RequestDetails {
	switch c {
	case CategorySolution:
		return &SolutionDetails{}
	case CategoryAPI:
		return &APIIntegrationDetails{}
	case CategoryExpert:
		return &ExpertDetails{}
	case CategorySysAdmin:
		return &SysAdminDetails{}
	case CategoryAdhoc:
		return &AdhocDetails{}
	case CategoryPremiumApp:
		return &PremiumAppDetails{}
	case CategoryConsultation:
		return &ConsultationDetails{}
	case CategoryPMO:
		return &PMODetails{}
	case CategoryLicense:
		return &LicenseDetails{}
	case CategoryReports:
		return &ReportsDetails{}
	}
	return nil
}

// validateForm checks the title and description fields every form carries,
// plus any extra length limits.
func validateForm(titleField, title, descField, desc string, extra ...func() *validation.ValidationError) error {
	checks := []func() *validation.ValidationError{
		validation.Required(titleField, title),
		validation.MaxLength(titleField, title, maxShortField),
	}
	if descField != titleField {
		checks = append(checks,
			validation.Required(descField, desc),
			validation.MaxLength(descField, desc, maxLongField),
		)
	}
	checks = append(checks, extra...)
	return validation.Validate(checks...).Err()
}

// SolutionDetails is a Solution Implementation request.
type SolutionDetails struct {
	ProjectTitle      string `json:"project_title"`
	ProjectType       string `json:"project_type,omitempty"`
	Industry          string `json:"industry,omitempty"`
	ProjectGoals      string `json:"project_goals,omitempty"`
	Requirements      string `json:"requirements"`
	Timeline          string `json:"timeline,omitempty"`
	Budget            string `json:"budget,omitempty"`
	ContactPreference string `json:"contact_preference,omitempty"`
}

func (d *SolutionDetails) Category() Category { return CategorySolution }
func (d *SolutionDetails) Title() string      { return d.ProjectTitle }
func (d *SolutionDetails) Summary() string    { return d.Requirements }
func (d *SolutionDetails) Validate() error {
	return validateForm("project_title", d.ProjectTitle, "requirements", d.Requirements,
		validation.MaxLength("project_goals", d.ProjectGoals, maxLongField))
}

// APIIntegrationDetails is an API Integration request.
type APIIntegrationDetails struct {
	IntegrationType      string `json:"integration_type"`
	TargetApplication    string `json:"target_application,omitempty"`
	IntegrationObjective string `json:"integration_objective,omitempty"`
	Description          string `json:"description"`
	Timeline             string `json:"timeline,omitempty"`
	Budget               string `json:"budget,omitempty"`
}

func (d *APIIntegrationDetails) Category() Category { return CategoryAPI }
func (d *APIIntegrationDetails) Title() string      { return d.IntegrationType }
func (d *APIIntegrationDetails) Summary() string    { return d.Description }
func (d *APIIntegrationDetails) Validate() error {
	return validateForm("integration_type", d.IntegrationType, "description", d.Description)
}

// ExpertDetails is a Hire Smartsheet Expert request.
type ExpertDetails struct {
	JobTitle         string `json:"job_title"`
	JobDescription   string `json:"job_description"`
	IsFullTime       bool   `json:"is_full_time"`
	ProjectScope     string `json:"project_scope,omitempty"`
	ExpectedDuration string `json:"expected_duration,omitempty"`
	DomainFocus      string `json:"domain_focus,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
}

func (d *ExpertDetails) Category() Category { return CategoryExpert }
func (d *ExpertDetails) Title() string      { return d.JobTitle }
func (d *ExpertDetails) Summary() string    { return d.JobDescription }
func (d *ExpertDetails) Validate() error {
	return validateForm("job_title", d.JobTitle, "job_description", d.JobDescription)
}

// SysAdminDetails is a System Admin Support request.
type SysAdminDetails struct {
	SupportNeeded string `json:"support_needed"`
	Requirements  string `json:"requirements"`
	CompanyName   string `json:"company_name,omitempty"`
	NumberOfUsers int    `json:"number_of_users,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	Budget        string `json:"budget,omitempty"`
}

func (d *SysAdminDetails) Category() Category { return CategorySysAdmin }
func (d *SysAdminDetails) Title() string      { return d.SupportNeeded }
func (d *SysAdminDetails) Summary() string    { return d.Requirements }
func (d *SysAdminDetails) Validate() error {
	usersCheck := func() *validation.ValidationError {
		if d.NumberOfUsers < 0 {
			return &validation.ValidationError{Field: "number_of_users", Message: "must not be negative"}
		}
		return nil
	}
	return validateForm("support_needed", d.SupportNeeded, "requirements", d.Requirements, usersCheck)
}

// AdhocDetails is an Adhoc Request.
type AdhocDetails struct {
	NeedHelpWith string `json:"need_help_with"`
	Description  string `json:"description"`
	Urgency      string `json:"urgency,omitempty"`
}

func (d *AdhocDetails) Category() Category { return CategoryAdhoc }
func (d *AdhocDetails) Title() string      { return d.NeedHelpWith }
func (d *AdhocDetails) Summary() string    { return d.Description }
func (d *AdhocDetails) Validate() error {
	return validateForm("need_help_with", d.NeedHelpWith, "description", d.Description)
}

// PremiumAppDetails is a Premium App Support request.
type PremiumAppDetails struct {
	OrganizationName   string `json:"organization_name"`
	Requirements       string `json:"requirements"`
	AddOnToConfigure   string `json:"add_on_to_configure,omitempty"`
	CurrentSetupStatus string `json:"current_setup_status,omitempty"`
	IntegrationNeeds   string `json:"integration_needs,omitempty"`
	StartDate          string `json:"start_date,omitempty"`
}

func (d *PremiumAppDetails) Category() Category { return CategoryPremiumApp }
func (d *PremiumAppDetails) Title() string      { return d.OrganizationName }
func (d *PremiumAppDetails) Summary() string    { return d.Requirements }
func (d *PremiumAppDetails) Validate() error {
	return validateForm("organization_name", d.OrganizationName, "requirements", d.Requirements)
}

// ConsultationDetails is a One-on-One Consultation booking. The focus
// doubles as title and description.
type ConsultationDetails struct {
	ConsultationFocus string `json:"consultation_focus"`
	TimeSlot          string `json:"time_slot,omitempty"`
	TimeZone          string `json:"time_zone,omitempty"`
	PreferredDate     string `json:"preferred_date,omitempty"`
	MeetingPlatform   string `json:"preferred_meeting_platform,omitempty"`
	FullName          string `json:"full_name,omitempty"`
	BusinessEmail     string `json:"business_email,omitempty"`
	Agenda            string `json:"agenda,omitempty"`
}

func (d *ConsultationDetails) Category() Category { return CategoryConsultation }
func (d *ConsultationDetails) Title() string      { return d.ConsultationFocus }
func (d *ConsultationDetails) Summary() string    { return d.ConsultationFocus }
func (d *ConsultationDetails) Validate() error {
	return validateForm("consultation_focus", d.ConsultationFocus, "consultation_focus", d.ConsultationFocus,
		validation.MaxLength("agenda", d.Agenda, maxLongField))
}

// PMODetails is a PMO Control Center request.
type PMODetails struct {
	OrganizationName      string `json:"organization_name"`
	RequiredFeatures      string `json:"required_features"`
	ServiceType           string `json:"service_type,omitempty"`
	Industry              string `json:"industry,omitempty"`
	ExpectedProjects      int    `json:"expected_projects,omitempty"`
	SmartsheetAdminAccess bool   `json:"smartsheet_admin_access"`
	Timeline              string `json:"timeline,omitempty"`
}

func (d *PMODetails) Category() Category { return CategoryPMO }
func (d *PMODetails) Title() string      { return d.OrganizationName }
func (d *PMODetails) Summary() string    { return d.RequiredFeatures }
func (d *PMODetails) Validate() error {
	return validateForm("organization_name", d.OrganizationName, "required_features", d.RequiredFeatures)
}

// LicenseDetails is a License Request.
type LicenseDetails struct {
	CompanyName      string `json:"company_name"`
	ProjectNeeds     string `json:"project_needs"`
	CompanyEmail     string `json:"company_email,omitempty"`
	Country          string `json:"country,omitempty"`
	LicenseType      string `json:"license_type,omitempty"`
	NumberOfLicenses int    `json:"number_of_licenses,omitempty"`
	SelectedPlan     string `json:"selected_plan,omitempty"`
	PlanDuration     string `json:"plan_duration,omitempty"`
}

func (d *LicenseDetails) Category() Category { return CategoryLicense }
func (d *LicenseDetails) Title() string      { return d.CompanyName }
func (d *LicenseDetails) Summary() string    { return d.ProjectNeeds }
func (d *LicenseDetails) Validate() error {
	return validateForm("company_name", d.CompanyName, "project_needs", d.ProjectNeeds)
}

// ReportsDetails is a Reports Dashboard request.
type ReportsDetails struct {
	ReportName         string `json:"report_name"`
	ReportRequirements string `json:"report_requirements"`
	RequestType        string `json:"request_type,omitempty"`
	Timeline           string `json:"timeline,omitempty"`
	Budget             string `json:"budget,omitempty"`
}

func (d *ReportsDetails) Category() Category { return CategoryReports }
func (d *ReportsDetails) Title() string      { return d.ReportName }
func (d *ReportsDetails) Summary() string    { return d.ReportRequirements }
func (d *ReportsDetails) Validate() error {
	return validateForm("report_name", d.ReportName, "report_requirements", d.ReportRequirements)
}
