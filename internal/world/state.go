package world

// CubeState — состояние куба в жизненном цикле.
// Переходы: Unloaded→Pending→(Generating|Loading)→Loaded→Saving→Unloaded.
type CubeState uint8

const (
	StateUnloaded CubeState = iota
	StatePending
	StateLoading
	StateGenerating
	StateLoaded
	StateSaving
)

func (s CubeState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateGenerating:
		return "generating"
	case StateLoaded:
		return "loaded"
	case StateSaving:
		return "saving"
	default:
		return "invalid"
	}
}
