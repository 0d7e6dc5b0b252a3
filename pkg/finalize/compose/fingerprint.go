package compose

import (
	"encoding/json"

	"clinical-finalize-be/pkg/store"

	"github.com/cespare/xxhash/v2"
)

// Input is the slice of session state whose changes justify a new compose
// job. Anything outside these fields re-rendering must not restart the job.
type Input struct {
	SessionId       string                  `json:"session_id"`
	EncounterId     string                  `json:"encounter_id"`
	NoteId          string                  `json:"note_id"`
	NoteContent     string                  `json:"note_content"`
	PatientMetadata map[string]interface{}  `json:"patient_metadata"`
	SelectedCodes   []store.CodeItem        `json:"selected_codes"`
	Transcript      []store.TranscriptEntry `json:"transcript"`
}

// Fingerprint derives a stable key over the input. The struct fixes field
// order and encoding/json sorts map keys, so equal inputs always hash equal
// regardless of how the caller assembled them.
func Fingerprint(in Input) uint64 {
	b, err := json.Marshal(in)
	if err != nil {
		// Marshal only fails on unserializable metadata values; treat that as
		// an always-new input rather than silently deduplicating.
		return 0
	}
	return xxhash.Sum64(b)
}
