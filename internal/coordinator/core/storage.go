package core

// StorageCollaborator supplies input splits and block placement. The
// coordinator only compares the returned identifiers for equality.
type StorageCollaborator interface {
	// Splits decomposes a job's input into map splits. numSplits is a hint;
	// zero means one split per input unit.
	Splits(input InputSpec, numSplits int) ([]InputSplit, error)
	PreferredLocations(split InputSplit) []string
	// RackOf resolves a worker host or a location to its rack identifier.
	RackOf(id string) string
}

// JobArchive keeps summaries of retired jobs after the retention window.
type JobArchive interface {
	ArchiveJob(job *Job) error
	GetJobByID(id JobID) (*Job, error)
	GetJobs(filter JobFilter) ([]*Job, int, error)
}

type JobFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}
