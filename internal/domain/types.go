// Package domain contains the core entities of the adverse-event signal engine:
// reconstructed case records, drug-reaction signal keys, disproportionality
// statistics and the advisory outputs (clusters, duplicate groups, trends) that
// reporting collaborators consume.
//
// Every type here is a plain serializable structure. Nothing in this package
// performs I/O or holds mutable shared state.
package domain

import (
	"errors"
	"strings"
)

// TableKind identifies one of the six relational sub-tables a case report is
// decomposed into.
type TableKind string

const (
	TableDemographics TableKind = "demographics"
	TableDrug         TableKind = "drug"
	TableReaction     TableKind = "reaction"
	TableOutcome      TableKind = "outcome"
	TableTherapy      TableKind = "therapy"
	TableIndication   TableKind = "indication"
)

// AllTableKinds lists every table kind in join order.
var AllTableKinds = []TableKind{
	TableDemographics,
	TableDrug,
	TableReaction,
	TableOutcome,
	TableTherapy,
	TableIndication,
}

// IsValid reports whether k is one of the six known table kinds.
func (k TableKind) IsValid() bool {
	switch k {
	case TableDemographics, TableDrug, TableReaction, TableOutcome, TableTherapy, TableIndication:
		return true
	default:
		return false
	}
}

// ParseTableKind resolves a table kind name case-insensitively.
func ParseTableKind(s string) (TableKind, error) {
	k := TableKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", ErrInvalidTableKind
	}
	return k, nil
}

// DrugRole is the role a drug played in a case report.
type DrugRole string

const (
	RoleSuspect     DrugRole = "suspect"
	RoleConcomitant DrugRole = "concomitant"
	RoleInteracting DrugRole = "interacting"
)

// ParseDrugRole maps FAERS role codes (PS, SS, C, I) and plain names onto a
// DrugRole. Unknown or empty codes default to suspect, which is how the FAERS
// public files treat unlabelled rows.
func ParseDrugRole(s string) DrugRole {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CONCOMITANT":
		return RoleConcomitant
	case "I", "INTERACTING":
		return RoleInteracting
	default:
		return RoleSuspect
	}
}

// OutcomeFlag is a seriousness outcome attached to a case.
type OutcomeFlag string

const (
	OutcomeDeath           OutcomeFlag = "death"
	OutcomeHospitalization OutcomeFlag = "hospitalization"
	OutcomeDisability      OutcomeFlag = "disability"
	OutcomeLifeThreatening OutcomeFlag = "life_threatening"
	OutcomeOtherSerious    OutcomeFlag = "other_serious"
)

// ParseOutcomeFlag maps FAERS outcome codes onto an OutcomeFlag. Congenital
// anomaly (CA) and required intervention (RI) are folded into other-serious.
func ParseOutcomeFlag(s string) (OutcomeFlag, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DE", "DEATH":
		return OutcomeDeath, true
	case "HO", "HOSPITALIZATION":
		return OutcomeHospitalization, true
	case "DS", "DISABILITY":
		return OutcomeDisability, true
	case "LT", "LIFE_THREATENING", "LIFE-THREATENING":
		return OutcomeLifeThreatening, true
	case "OT", "CA", "RI", "OTHER_SERIOUS", "OTHER":
		return OutcomeOtherSerious, true
	default:
		return "", false
	}
}

// Sex of the patient.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexUnknown Sex = "UNK"
)

// ParseSex normalizes the many spellings found in archive vintages.
func ParseSex(s string) Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE", "1":
		return SexMale
	case "F", "FEMALE", "2":
		return SexFemale
	default:
		return SexUnknown
	}
}

// ReporterType is the occupation of the person who submitted the report.
type ReporterType string

const (
	ReporterPhysician          ReporterType = "physician"
	ReporterHealthProfessional ReporterType = "health_professional"
	ReporterPharmacist         ReporterType = "pharmacist"
	ReporterConsumer           ReporterType = "consumer"
	ReporterLawyer             ReporterType = "lawyer"
	ReporterOther              ReporterType = "other"
	ReporterUnknown            ReporterType = "unknown"
)

// ParseReporterType maps FAERS occupation codes (MD, HP, PH, CN, LW, OT).
func ParseReporterType(s string) ReporterType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MD", "PHYSICIAN":
		return ReporterPhysician
	case "HP", "HEALTH_PROFESSIONAL":
		return ReporterHealthProfessional
	case "PH", "PHARMACIST":
		return ReporterPharmacist
	case "CN", "CONSUMER":
		return ReporterConsumer
	case "LW", "LAWYER":
		return ReporterLawyer
	case "OT", "OTHER":
		return ReporterOther
	default:
		return ReporterUnknown
	}
}

// IsProfessional reports whether the reporter is a health-care professional.
func (r ReporterType) IsProfessional() bool {
	switch r {
	case ReporterPhysician, ReporterHealthProfessional, ReporterPharmacist:
		return true
	default:
		return false
	}
}

// DuplicateKind classifies how a duplicate group was matched.
type DuplicateKind string

const (
	DuplicateExact DuplicateKind = "exact"
	DuplicateFuzzy DuplicateKind = "fuzzy"
)

// BucketWidth is the time granularity of a trend series.
type BucketWidth string

const (
	BucketWeek    BucketWidth = "week"
	BucketMonth   BucketWidth = "month"
	BucketQuarter BucketWidth = "quarter"
	BucketYear    BucketWidth = "year"
)

// IsValid reports whether w is a supported bucket width.
func (w BucketWidth) IsValid() bool {
	switch w {
	case BucketWeek, BucketMonth, BucketQuarter, BucketYear:
		return true
	default:
		return false
	}
}

// Validation errors for enum parsing
var (
	ErrInvalidTableKind   = errors.New("invalid table kind")
	ErrInvalidBucketWidth = errors.New("invalid bucket width")
	ErrInvalidSignalKey   = errors.New("signal key requires both drug and reaction")
)
