package migration

// Stage is one phase of the migration state machine. Transitions are strictly
// forward through stageOrder; RolledBack and Failed absorb from any
// non-terminal stage.
type Stage string

const (
	StagePreparation     Stage = "preparation"
	StageSchemaSync      Stage = "schema_sync"
	StageInitialDataSync Stage = "initial_data_sync"
	StageIncrementalSync Stage = "incremental_sync"
	StageValidation      Stage = "validation"
	StageCutover         Stage = "cutover"
	StagePostCutoverSync Stage = "post_cutover_sync"
	StageCompleted       Stage = "completed"
	StageRolledBack      Stage = "rolled_back"
	StageFailed          Stage = "failed"
)

var stageOrder = []Stage{
	StagePreparation,
	StageSchemaSync,
	StageInitialDataSync,
	StageIncrementalSync,
	StageValidation,
	StageCutover,
	StagePostCutoverSync,
	StageCompleted,
}

func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageRolledBack, StageFailed:
		return true
	default:
		return false
	}
}

// Index returns the position of s in the forward stage order, -1 for terminal
// absorbing states.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

type CheckpointStatus string

const (
	CheckpointPassed CheckpointStatus = "passed"
	CheckpointFailed CheckpointStatus = "failed"
)
