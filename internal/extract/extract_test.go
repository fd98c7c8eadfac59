package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/config"
)

func TestQualityGateAccepts(t *testing.T) {
	g := NewQualityGate(config.Default().Scraper)
	text := "The quick brown fox jumps over the lazy dog while seventeen other animals watch from a nearby hill. " +
		"Each of them has an opinion about the jump, and most of those opinions differ in interesting ways. " +
		"Later that evening the fox wrote a short report about the whole affair and published it online."
	assert.NoError(t, g.Check(text))
}

func TestQualityGateTooFewWords(t *testing.T) {
	g := NewQualityGate(config.Default().Scraper)
	err := g.Check("only a handful of words here")
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, TypeQualityBelow, ee.Type)
	assert.Contains(t, ee.Message, "words")
}

func TestQualityGateLowAlnumRatio(t *testing.T) {
	g := NewQualityGate(config.Default().Scraper)
	err := g.Check(strings.TrimSpace(strings.Repeat("|--| ==== ###$ ++%% ", 15)))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, TypeQualityBelow, ee.Type)
}

func TestQualityGateRepetitiveText(t *testing.T) {
	g := NewQualityGate(config.Default().Scraper)
	err := g.Check(strings.TrimSpace(strings.Repeat("buy now ", 50)))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, TypeQualityBelow, ee.Type)
	assert.Contains(t, ee.Message, "unique")
}

func TestParseVTT(t *testing.T) {
	raw := `WEBVTT
Kind: captions
Language: en

00:00:00.000 --> 00:00:02.500
Hello <c>everyone</c> and welcome

00:00:02.500 --> 00:00:05.000
Hello everyone and welcome

00:00:05.000 --> 00:00:08.000
today we talk about Go
`
	got := ParseVTT(raw)
	assert.Equal(t, "Hello everyone and welcome today we talk about Go", got)
}

func TestParseVTTCueNumbers(t *testing.T) {
	raw := "WEBVTT\n\n1\n00:00.000 --> 00:01.000\nfirst line\n\n2\n00:01.000 --> 00:02.000\nsecond line\n"
	assert.Equal(t, "first line second line", ParseVTT(raw))
}

func TestClassifyYtdlpStderr(t *testing.T) {
	cases := map[string]string{
		"ERROR: Sign in to confirm your age":                          TypeAgeRestricted,
		"ERROR: The uploader has not made this video available in your country": TypeGeoBlocked,
		"ERROR: Private video. Sign in if you've been granted access": TypePrivateOrRemoved,
		"ERROR: Join this channel to get access to members-only content": TypeMembersOnly,
		"ERROR: Premieres in 3 hours":                                 TypeScheduledPremiere,
		"ERROR: HTTP Error 429: Too Many Requests":                    TypeRateLimited,
		"ERROR: Subtitles are disabled for this video":                TypeTranscriptsDisabled,
		"ERROR: Connection timed out":                                 TypeNetworkTimeout,
		"ERROR: Requested format is not available":                    TypeQualityUnavailable,
		"ERROR: No space left on device":                              TypeStorageFull,
		"ERROR: something completely different":                       TypeFetchFailed,
	}
	for stderr, want := range cases {
		got := ClassifyYtdlpStderr(stderr, errors.New("exit status 1"))
		assert.Equal(t, want, got.Type, "stderr %q", stderr)
		assert.Contains(t, got.Message, "ERROR")
	}
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, (&Error{Type: TypeRateLimited}).Retryable())
	assert.True(t, (&Error{Type: TypeNetworkTimeout}).Retryable())
	assert.False(t, (&Error{Type: TypeAgeRestricted}).Retryable())
	assert.False(t, (&Error{Type: TypeQualityBelow}).Retryable())
}

func TestContentHeader(t *testing.T) {
	c := &Content{Metadata: map[string]string{
		"title":      "Understanding Context",
		"channel":    "GopherCon",
		"duration":   "24:13",
		"resolution": "1920x1080",
	}}
	assert.Equal(t, "Understanding Context | GopherCon | 24:13 | 1920x1080", c.Header())

	c = &Content{Metadata: map[string]string{"title": "Just a Title"}}
	assert.Equal(t, "Just a Title", c.Header())

	c = &Content{}
	assert.Equal(t, "", c.Header())
}
