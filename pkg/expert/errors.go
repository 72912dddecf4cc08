package expert

import "errors"

// Failure classes. Callers match them with errors.Is; FailureName turns
// them into the short label shown to users.
var (
	ErrClassificationAmbiguous = errors.New("classification ambiguous")
	ErrSlotLoadFailed          = errors.New("slot load failed")
	ErrBackendTimeout          = errors.New("backend timeout")
	ErrBackendError            = errors.New("backend error")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

// FailureName returns the failure class label for err, or "" when err does
// not belong to the taxonomy.
func FailureName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSlotLoadFailed):
		return "SlotLoadFailed"
	case errors.Is(err, ErrBackendTimeout):
		return "BackendTimeout"
	case errors.Is(err, ErrBackendError):
		return "BackendError"
	case errors.Is(err, ErrCollaboratorUnavailable):
		return "CollaboratorUnavailable"
	case errors.Is(err, ErrClassificationAmbiguous):
		return "ClassificationAmbiguous"
	}
	return ""
}
