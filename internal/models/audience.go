package models

// AudienceType is the closed enumeration of targeting levels for
// communications. CUSTOM short-circuits resolution; callers own the
// recipient list.
type AudienceType string

const (
	AudienceAllSchool  AudienceType = "ALL_SCHOOL"
	AudienceCampus     AudienceType = "CAMPUS"
	AudienceSchoolUnit AudienceType = "SCHOOL_UNIT"
	AudienceGrade      AudienceType = "GRADE"
	AudienceSection    AudienceType = "SECTION"
	AudienceCustom     AudienceType = "CUSTOM"
)

// Valid reports whether the value is a member of the enumeration.
func (t AudienceType) Valid() bool {
	switch t {
	case AudienceAllSchool, AudienceCampus, AudienceSchoolUnit, AudienceGrade, AudienceSection, AudienceCustom:
		return true
	}
	return false
}

// AudienceSelector is the targeting descriptor consumed by the resolver.
// The value for the selected level is required; deeper values are ignored.
type AudienceSelector struct {
	Type           AudienceType `json:"audience_type" validate:"required"`
	CampusID       string       `json:"campus_id,omitempty"`
	SchoolUnitID   string       `json:"school_unit_id,omitempty"`
	GradeID        string       `json:"grade_id,omitempty"`
	SectionID      string       `json:"section_id,omitempty"`
	Shift          string       `json:"shift,omitempty"`
	AcademicYearID string       `json:"academic_year_id,omitempty"`
}

// AudienceResolution is the outcome of a full resolve: guardians always,
// students only when requested.
type AudienceResolution struct {
	Students  []string `json:"students,omitempty"`
	Guardians []string `json:"guardians"`
}

// AudiencePreview is the count and permission summary shown in the composer UI.
type AudiencePreview struct {
	Count   int    `json:"count"`
	CanSend bool   `json:"can_send"`
	Message string `json:"message"`
}
