package domain

// DerivationConfig defines a follow-up service derived from the services
// already determined for an order, e.g. waiting time after a delivery.
type DerivationConfig struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description"`

	// When is a CEL expression that must evaluate to bool. It sees the
	// variables services (list of codes), direction, loading_status,
	// transport_form, dangerous_goods, customs_procedure and quantities
	// (map of code to requested quantity).
	When string `json:"when,omitempty" yaml:"when"`

	// Logic is a JSON Logic rule used instead of When. It sees the same
	// variables and must evaluate to true for the derivation to apply.
	Logic map[string]any `json:"logic,omitempty" yaml:"logic"`

	// Code is the service code added when When holds.
	Code string `json:"code" yaml:"code"`

	// Quantity is an optional CEL expression returning int or double.
	// Defaults to one.
	Quantity string `json:"quantity,omitempty" yaml:"quantity"`

	// Whether the derivation is active
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TaxDefault is the caller-side tax outcome used when the tax table has no
// matching rule for a transport direction.
type TaxDefault struct {
	Direction           string  `json:"direction" yaml:"direction"`
	TaxCase             string  `json:"taxCase" yaml:"tax_case"`
	ApplyVAT            bool    `json:"applyVat" yaml:"apply_vat"`
	Rate                float64 `json:"rate" yaml:"rate"`
	SAPIndicator        string  `json:"sapIndicator" yaml:"sap_indicator"`
	DisplayNotice       bool    `json:"displayNotice" yaml:"display_notice"`
	CentralNotification bool    `json:"centralNotification" yaml:"central_notification"`
}
