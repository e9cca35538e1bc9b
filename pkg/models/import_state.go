package models

// ImportState is the lifecycle state of one import attempt.
type ImportState string

const (
	ImportStateWaiting         ImportState = "WAITING"
	ImportStateDownloading     ImportState = "DOWNLOADING"
	ImportStateProcessing      ImportState = "PROCESSING"
	ImportStateInserting       ImportState = "INSERTING"
	ImportStateBuildingMetrics ImportState = "BUILDING_METRICS"
	ImportStateIndexing        ImportState = "INDEXING"
	ImportStateFinished        ImportState = "FINISHED"
	ImportStateUnchanged       ImportState = "UNCHANGED"
	ImportStateFailed          ImportState = "FAILED"
	ImportStateCancelled       ImportState = "CANCELLED"
)

var importStates = []ImportState{
	ImportStateWaiting,
	ImportStateDownloading,
	ImportStateProcessing,
	ImportStateInserting,
	ImportStateBuildingMetrics,
	ImportStateIndexing,
	ImportStateFinished,
	ImportStateUnchanged,
	ImportStateFailed,
	ImportStateCancelled,
}

// ImportStates returns all states in lifecycle order.
func ImportStates() []ImportState {
	return append([]ImportState(nil), importStates...)
}

func ParseImportState(value string) (ImportState, bool) {
	for _, s := range importStates {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// IsQueued reports the state of an attempt that has not begun work.
func (s ImportState) IsQueued() bool {
	return s == ImportStateWaiting
}

// IsRunning reports states in which a job actively works on the dataset.
func (s ImportState) IsRunning() bool {
	switch s {
	case ImportStateDownloading, ImportStateProcessing, ImportStateInserting,
		ImportStateBuildingMetrics, ImportStateIndexing:
		return true
	}
	return false
}

// IsFinished reports terminal states.
func (s ImportState) IsFinished() bool {
	switch s {
	case ImportStateFinished, ImportStateUnchanged, ImportStateFailed, ImportStateCancelled:
		return true
	}
	return false
}

// RunningStates are the states an interrupted process may leave behind.
func RunningStates() []ImportState {
	return filterStates(ImportState.IsRunning)
}

func FinishedStates() []ImportState {
	return filterStates(ImportState.IsFinished)
}

func filterStates(keep func(ImportState) bool) []ImportState {
	var states []ImportState
	for _, s := range importStates {
		if keep(s) {
			states = append(states, s)
		}
	}
	return states
}
