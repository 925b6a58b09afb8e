package types

// EntityType names the kinds of entities that carry descriptions.
type EntityType string

// Entity types reported by documentation gap queries.
const (
	EntityModule  EntityType = "module"
	EntityFeature EntityType = "feature"
)

// Module groups features within a project.
type Module struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Feature is the unit that owns test cases and feature-scope runs.
type Feature struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	ModuleID    string `json:"module_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
