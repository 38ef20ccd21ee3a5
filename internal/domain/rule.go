package domain

// AlertRule is a CEL expression evaluated against each scored transaction.
// A matching enabled rule publishes a risk alert.
type AlertRule struct {
	ID          string `json:"id" toml:"id" yaml:"id"`
	Name        string `json:"name" toml:"name" yaml:"name"`
	Description string `json:"description,omitempty" toml:"description" yaml:"description"`

	// CEL expression returning bool
	Expression string `json:"expression" toml:"expression" yaml:"expression"`

	Enabled bool `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// RuleMatch is the outcome of one alert rule against one transaction.
type RuleMatch struct {
	RuleID  string `json:"ruleId"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// DefaultAlertRules returns the rule set used when none is configured.
func DefaultAlertRules() []*AlertRule {
	return []*AlertRule{
		{
			ID:          "high-risk-suspected",
			Name:        "High risk suspected transaction",
			Description: "Anomaly model flagged the transaction and its score is in the high tier",
			Expression:  `risk_tier == "high" && is_fraud_suspected`,
			Enabled:     true,
		},
	}
}
