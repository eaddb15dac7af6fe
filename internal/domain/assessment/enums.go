package assessment

import (
	"fmt"
	"strings"
)

// Disclaimer must appear verbatim in AI_analysis.description and
// treatment_plan.plan of every full assessment.
const Disclaimer = "AI-generated assessment: must be verified by a licensed medical professional before implementation."

// Stage is the six-point ordinal stage, STAGE_1 = Wagner grade 0 through
// STAGE_6 = Wagner grade 5.
type Stage string

const (
	Stage1 Stage = "STAGE_1"
	Stage2 Stage = "STAGE_2"
	Stage3 Stage = "STAGE_3"
	Stage4 Stage = "STAGE_4"
	Stage5 Stage = "STAGE_5"
	Stage6 Stage = "STAGE_6"
)

// WagnerGrade returns the Wagner grade (0-5) for s, or -1 if s is unknown.
func (s Stage) WagnerGrade() int {
	for i, v := range stageValues {
		if string(s) == v {
			return i
		}
	}
	return -1
}

var stageValues = []string{
	string(Stage1), string(Stage2), string(Stage3),
	string(Stage4), string(Stage5), string(Stage6),
}

// Enum set names shared by the prompt templates and the response schemas.
const (
	EnumLocationPrimary = "location_primary"
	EnumShape           = "shape"
	EnumDepthCategory   = "depth_category"
	EnumEdgeDescription = "edge_description"
	EnumPeriwoundStatus = "periwound_status"
	EnumDischargeVolume = "discharge_volume"
	EnumDischargeType   = "discharge_type"
	EnumOdorPresence    = "odor_presence"
	EnumSkinCondition   = "skin_condition"
	EnumStage           = "stage"
	EnumPlanStatus      = "plan_status"
	EnumTaskStatus      = "task_status"
)

// Enums is the canonical value set for every enumerated field. Values are
// lower-case and unquoted except the stage codes.
var Enums = map[string][]string{
	EnumLocationPrimary: {"toe", "sole", "side", "heel", "dorsal_aspect", "medial_malleolus", "lateral_malleolus"},
	EnumShape:           {"round", "oval", "irregular", "linear", "punched_out"},
	EnumDepthCategory:   {"superficial", "partial_thickness", "full_thickness", "deep", "very_deep_exposed_bone_tendon"},
	EnumEdgeDescription: {"smooth", "thickened", "irregular", "rolled_epibole", "undermined", "calloused"},
	EnumPeriwoundStatus: {"normal", "erythematous", "edematous", "indurated", "macerated", "fluctuant", "hyperpigmented"},
	EnumDischargeVolume: {"none", "minimal", "moderate", "heavy"},
	EnumDischargeType:   {"none", "serous", "sanguineous", "serosanguineous", "purulent", "seropurulent"},
	EnumOdorPresence:    {"none", "faint", "moderate", "foul", "putrid"},
	EnumSkinCondition:   {"healthy", "dry", "cracked", "macerated", "fragile", "scaling"},
	EnumStage:           stageValues,
	EnumPlanStatus:      {"active", "on_hold", "completed"},
	EnumTaskStatus:      {"pending", "in_progress", "completed"},
}

// EnumHint renders a set as "ENUM (a, b, c)" for prompt templates.
func EnumHint(name string) (string, error) {
	values, ok := Enums[name]
	if !ok {
		return "", fmt.Errorf("unknown enum set %q", name)
	}
	return "ENUM (" + strings.Join(values, ", ") + ")", nil
}

// ---------------------------------------------------------------------------
// JSON Schemas
// ---------------------------------------------------------------------------

func enumProp(name string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": Enums[name]}
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"required":             required,
		"properties":           props,
		"additionalProperties": false,
	}
}

var checklistFields = []string{
	"location_primary", "location_detail", "wound_type", "shape", "size_width_cm", "size_length_cm",
	"depth_category", "bed_slough_pct", "bed_necrotic_pct", "edge_description", "periwound_status",
	"discharge_volume", "discharge_type", "odor_presence", "pain_score", "has_infection", "skin_condition",
}

// ChecklistSchema is the JSON Schema for the fill-in response.
func ChecklistSchema() map[string]interface{} {
	pct := map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 100}
	cm := map[string]interface{}{"type": "number", "minimum": 0}
	return object(checklistFields, map[string]interface{}{
		"location_primary": enumProp(EnumLocationPrimary),
		"location_detail":  map[string]interface{}{"type": "string"},
		"wound_type":       map[string]interface{}{"type": "string"},
		"shape":            enumProp(EnumShape),
		"size_width_cm":    cm,
		"size_length_cm":   cm,
		"depth_category":   enumProp(EnumDepthCategory),
		"bed_slough_pct":   pct,
		"bed_necrotic_pct": pct,
		"edge_description": enumProp(EnumEdgeDescription),
		"periwound_status": enumProp(EnumPeriwoundStatus),
		"discharge_volume": enumProp(EnumDischargeVolume),
		"discharge_type":   enumProp(EnumDischargeType),
		"odor_presence":    enumProp(EnumOdorPresence),
		"pain_score":       map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 10},
		"has_infection":    map[string]interface{}{"type": "boolean"},
		"skin_condition":   enumProp(EnumSkinCondition),
	})
}

// ResultSchema is the JSON Schema for the full assessment response.
func ResultSchema() map[string]interface{} {
	text := map[string]interface{}{"type": "string", "minLength": 1}
	task := object([]string{"task", "status", "due_at"}, map[string]interface{}{
		"task":   text,
		"status": enumProp(EnumTaskStatus),
		"due_at": map[string]interface{}{"type": "string", "format": "date-time"},
	})
	return object([]string{"AI_analysis", "treatment_plan"}, map[string]interface{}{
		"AI_analysis": object(
			[]string{"stage", "description", "diagnosis", "confidence", "treatment_plan"},
			map[string]interface{}{
				"stage":          enumProp(EnumStage),
				"description":    text,
				"diagnosis":      text,
				"confidence":     map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
				"treatment_plan": text,
			}),
		"treatment_plan": object(
			[]string{"plan", "follow_up_days", "status", "tasks"},
			map[string]interface{}{
				"plan":           text,
				"follow_up_days": map[string]interface{}{"type": "integer", "minimum": 0},
				"status":         enumProp(EnumPlanStatus),
				"tasks":          map[string]interface{}{"type": "array", "minItems": 1, "items": task},
			}),
	})
}
