// ABOUTME: Schema definitions for plugin settings pages.
// ABOUTME: Plugins describe their settings fields, the host renders the forms.

package core

// FieldSchema defines one field on a settings page
type FieldSchema struct {
	Name     string   `json:"name"`              // "exportFormat", "retentionDays"
	Type     string   `json:"type"`              // "string", "number", "boolean", "select", "text"
	Display  string   `json:"display"`           // "Export format"
	Default  any      `json:"default,omitempty"` // Pre-filled value
	Options  []string `json:"options,omitempty"` // Allowed values for "select"
	Required bool     `json:"required"`
}

var validFieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"select":  true,
	"text":    true,
}
