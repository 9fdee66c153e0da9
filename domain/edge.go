package domain

// Edge is the normalized dependency representation: the owning task depends on
// the prerequisite task. The server assigns EdgeID on creation and requires it
// for removal, so edge identity is decoupled from task identity.
type Edge struct {
	EdgeID         string `json:"edgeId"`
	PrerequisiteID string `json:"prerequisiteTaskId"`
}
