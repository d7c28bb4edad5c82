package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/pkg/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-01"})
	require.NoError(t, err)
	b, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-01"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "sha-256 hex")
}

func TestFingerprintKeyOrderDoesNotMatter(t *testing.T) {
	// encoding/json sorts map keys, so construction order is invisible.
	first := map[string]string{}
	first["audio_url"] = "https://pods.example/e1.mp3"
	first["lang"] = "en"
	second := map[string]string{}
	second["lang"] = "en"
	second["audio_url"] = "https://pods.example/e1.mp3"

	a, err := Fingerprint(models.JobTypePodcastTranscription, first)
	require.NoError(t, err)
	b, err := Fingerprint(models.JobTypePodcastTranscription, second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintTypeSeparatesKeys(t *testing.T) {
	parts := map[string]string{"date": "2026-03-01"}
	a, err := Fingerprint(models.JobTypeDailyAnalysis, parts)
	require.NoError(t, err)
	b, err := Fingerprint(models.JobTypePodcastTranscription, parts)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintInputsChangeKey(t *testing.T) {
	a, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-01"})
	require.NoError(t, err)
	b, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-02"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintRejectsUnserializableParts(t *testing.T) {
	_, err := Fingerprint(models.JobTypeCleanup, map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}
