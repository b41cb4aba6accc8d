package burstwatch

import (
	"fmt"
	"time"
)

// FeatureColumns is the column order shared by the runtime classifier input,
// the offline dataset and the persisted model. Changing it invalidates every
// trained model.
var FeatureColumns = [numKinds]string{"created", "modified", "deleted", "moved"}

// FeatureVector is the per-kind event count over one window.
type FeatureVector struct {
	Created  int `json:"created"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
	Moved    int `json:"moved"`
}

// Get returns the count for kind. Unknown kinds count as zero.
func (f FeatureVector) Get(kind EventKind) int {
	switch kind {
	case Created:
		return f.Created
	case Modified:
		return f.Modified
	case Deleted:
		return f.Deleted
	case Moved:
		return f.Moved
	}
	return 0
}

// Values returns the vector in FeatureColumns order.
func (f FeatureVector) Values() [numKinds]float64 {
	return [numKinds]float64{
		float64(f.Created),
		float64(f.Modified),
		float64(f.Deleted),
		float64(f.Moved),
	}
}

// IsZero reports whether no events were counted.
func (f FeatureVector) IsZero() bool {
	return f == FeatureVector{}
}

func (f FeatureVector) String() string {
	return fmt.Sprintf("created=%d modified=%d deleted=%d moved=%d",
		f.Created, f.Modified, f.Deleted, f.Moved)
}

// featureVectorFromCounts converts an EventKind-indexed count array.
func featureVectorFromCounts(c [numKinds]int) FeatureVector {
	return FeatureVector{
		Created:  c[Created],
		Modified: c[Modified],
		Deleted:  c[Deleted],
		Moved:    c[Moved],
	}
}

// Snapshot builds the feature vector for now from the counter.
func Snapshot(c *WindowCounter, now time.Time) FeatureVector {
	return featureVectorFromCounts(c.Counts(now))
}
