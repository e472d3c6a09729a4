package model

import "time"

// ConditionOperator is the comparison applied between a metric value and
// a rule threshold.
type ConditionOperator string

const (
	OpGreater      ConditionOperator = ">"
	OpLess         ConditionOperator = "<"
	OpEqual        ConditionOperator = "="
	OpGreaterEqual ConditionOperator = ">="
	OpLessEqual    ConditionOperator = "<="
)

// Valid reports whether op is a known comparison operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// Condition is a single metric comparison inside a rule. Threshold is
// stored as text because rules arrive from an external CRUD surface;
// parsing happens at evaluation time and a non-numeric value is a
// configuration error surfaced to the caller.
type Condition struct {
	ID        string            `gorm:"primaryKey" json:"id"`
	RuleID    string            `gorm:"index:idx_conditions_rule;not null" json:"rule_id"`
	Metric    string            `gorm:"not null" json:"metric"`
	Operator  ConditionOperator `gorm:"not null" json:"operator"`
	Threshold string            `gorm:"not null" json:"threshold"`
	Position  int               `json:"position"`
}

// TableName specifies the table name for the Condition model.
func (Condition) TableName() string {
	return "rule_conditions"
}

// RuleAction describes what a firing rule does. The core only emits
// notifications; other action types are carried opaquely for the
// external CRUD surface.
type RuleAction struct {
	ID      string `gorm:"primaryKey" json:"id"`
	RuleID  string `gorm:"index:idx_actions_rule;not null" json:"rule_id"`
	Type    string `gorm:"not null" json:"type"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// TableName specifies the table name for the RuleAction model.
func (RuleAction) TableName() string {
	return "rule_actions"
}

// Rule is a monitoring rule evaluated against incoming telemetry.
// DeviceID is empty for organization-wide rules. The core reads rules;
// it never creates or edits them, and only touches LastTriggered through
// the rule directory after a confirmed firing.
type Rule struct {
	ID             string       `gorm:"primaryKey" json:"id"`
	Name           string       `gorm:"not null" json:"name"`
	DeviceID       string       `gorm:"index:idx_rules_device" json:"device_id,omitempty"`
	OrganizationID string       `gorm:"index:idx_rules_org;not null" json:"organization_id"`
	Active         bool         `gorm:"not null;default:true" json:"active"`
	Conditions     []Condition  `gorm:"foreignKey:RuleID;references:ID" json:"conditions"`
	Actions        []RuleAction `gorm:"foreignKey:RuleID;references:ID" json:"actions"`
	LastTriggered  *time.Time   `json:"last_triggered,omitempty"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for the Rule model.
func (Rule) TableName() string {
	return "rules"
}
