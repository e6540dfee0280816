package artifacts

import (
	"time"
)

// MetadataFileName is the metadata record file inside an artifact directory.
const MetadataFileName = "model_metadata.json"

// Record holds the held-out accuracy of one trained family.
type Record struct {
	MAE                     float64 `json:"mae"`
	RMSE                    float64 `json:"rmse"`
	R2                      float64 `json:"r2"`
	MAPE                    float64 `json:"mape"`
	TrainingDurationSeconds float64 `json:"training_duration_seconds"`
	ArtifactVersion         string  `json:"artifact_version"`
}

// TrainingDuration returns the recorded training time.
func (r Record) TrainingDuration() time.Duration {
	return time.Duration(r.TrainingDurationSeconds * float64(time.Second))
}

// Metadata is the read-only reference record shared by all artifacts of a directory.
type Metadata struct {
	TrainingDate time.Time       `json:"training_date"`
	Models       map[Kind]Record `json:"models"`
}

// RMSE returns the recorded RMSE of a family. ok is false when the record is
// missing or the value is not a usable positive error.
func (m Metadata) RMSE(kind Kind) (float64, bool) {
	r, ok := m.Models[kind]
	if !ok || r.RMSE <= 0 {
		return 0, false
	}
	return r.RMSE, true
}
