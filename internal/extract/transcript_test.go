package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/config"
	"distillo/internal/store"
)

const timedTextXML = `<?xml version="1.0" encoding="utf-8"?>
<transcript>
  <text start="0.0" dur="2.5">Hello &amp; welcome</text>
  <text start="2.5" dur="3.0">to the <b>show</b></text>
  <text start="5.5" dur="1.0">   </text>
</transcript>`

// fakeTube serves the three endpoints the transcript flow touches.
func fakeTube(t *testing.T, tracks []map[string]any, playability map[string]any) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>"INNERTUBE_API_KEY":"test-key-123"</html>`)
	})
	mux.HandleFunc("/youtubei/v1/player", func(w http.ResponseWriter, _ *http.Request) {
		for _, tr := range tracks {
			if u, ok := tr["baseUrl"].(string); ok && u == "TIMEDTEXT" {
				tr["baseUrl"] = srv.URL + "/timedtext"
			}
		}
		payload := map[string]any{
			"playabilityStatus": playability,
			"captions": map[string]any{
				"playerCaptionsTracklistRenderer": map[string]any{
					"captionTracks": tracks,
				},
			},
		}
		json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/timedtext", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, timedTextXML)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTranscriptClient(srv *httptest.Server) *TranscriptClient {
	c := NewTranscriptClient(config.VideoConfig{SubtitleLangs: []string{"en", "ru"}}, 5*time.Second)
	c.watchBase = srv.URL
	c.apiBase = srv.URL
	c.retry = config.RetryConfig{Attempts: 2, BaseDelayMS: 1, MaxDelayMS: 2}
	return c
}

func TestTranscriptFetchManualTrack(t *testing.T) {
	srv := fakeTube(t, []map[string]any{
		{"baseUrl": "TIMEDTEXT", "languageCode": "en", "kind": ""},
	}, map[string]any{"status": "OK"})

	tr, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, store.TranscriptManual, tr.Source)
	assert.Equal(t, "en", tr.Lang)
	assert.Equal(t, "Hello & welcome to the show", tr.Text)
}

func TestTranscriptPrefersManualOverASR(t *testing.T) {
	srv := fakeTube(t, []map[string]any{
		{"baseUrl": "TIMEDTEXT", "languageCode": "en", "kind": "asr"},
		{"baseUrl": "TIMEDTEXT", "languageCode": "en", "kind": ""},
	}, map[string]any{"status": "OK"})

	tr, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, store.TranscriptManual, tr.Source)
}

func TestTranscriptFallsBackToASR(t *testing.T) {
	srv := fakeTube(t, []map[string]any{
		{"baseUrl": "TIMEDTEXT", "languageCode": "en", "kind": "asr"},
	}, map[string]any{"status": "OK"})

	tr, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, store.TranscriptAuto, tr.Source)
}

func TestTranscriptNoTracks(t *testing.T) {
	srv := fakeTube(t, nil, map[string]any{"status": "OK"})

	_, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, TypeTranscriptsDisabled, ee.Type)
}

func TestTranscriptUnplayableClassification(t *testing.T) {
	cases := []struct {
		playability map[string]any
		wantType    string
	}{
		{map[string]any{"status": "LOGIN_REQUIRED", "reason": "Sign in to confirm your age"}, TypeAgeRestricted},
		{map[string]any{"status": "UNPLAYABLE", "reason": "The uploader has not made this video available in your country"}, TypeGeoBlocked},
		{map[string]any{"status": "UNPLAYABLE", "reason": "Join this channel to get access to members-only content"}, TypeMembersOnly},
		{map[string]any{"status": "LIVE_STREAM_OFFLINE", "reason": "This live event will begin in 3 hours"}, TypeScheduledPremiere},
		{map[string]any{"status": "ERROR", "reason": "This video is unavailable"}, TypePrivateOrRemoved},
	}
	for _, tc := range cases {
		srv := fakeTube(t, nil, tc.playability)
		_, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
		var ee *Error
		require.ErrorAs(t, err, &ee, "playability %v", tc.playability)
		assert.Equal(t, tc.wantType, ee.Type, "playability %v", tc.playability)
	}
}

func TestTranscriptRetriesDroppedConnection(t *testing.T) {
	var watchHits int
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, _ *http.Request) {
		watchHits++
		if watchHits <= 2 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		fmt.Fprint(w, `<html>"INNERTUBE_API_KEY":"test-key-123"</html>`)
	})
	mux.HandleFunc("/youtubei/v1/player", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"playabilityStatus": map[string]any{"status": "OK"},
			"captions": map[string]any{
				"playerCaptionsTracklistRenderer": map[string]any{
					"captionTracks": []any{
						map[string]any{"baseUrl": srv.URL + "/timedtext", "languageCode": "en", "kind": ""},
					},
				},
			},
		})
	})
	mux.HandleFunc("/timedtext", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, timedTextXML)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tr, err := newTestTranscriptClient(srv).Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, 3, watchHits)
	assert.Equal(t, "Hello & welcome to the show", tr.Text)
}

func TestTransientTranscriptError(t *testing.T) {
	assert.True(t, transientTranscriptError(&Error{Type: TypeNetworkTimeout}))
	assert.True(t, transientTranscriptError(&Error{Type: TypeFetchFailed, Cause: io.EOF}))
	// A server that answered is final; only transport failures are transient.
	assert.False(t, transientTranscriptError(&Error{Type: TypeFetchFailed}))
	assert.False(t, transientTranscriptError(&Error{Type: TypeTranscriptsDisabled}))
	assert.False(t, transientTranscriptError(errors.New("plain")))
}

func TestPickCaptionTrackLanguagePreference(t *testing.T) {
	player := map[string]any{
		"captions": map[string]any{
			"playerCaptionsTracklistRenderer": map[string]any{
				"captionTracks": []any{
					map[string]any{"baseUrl": "u-de", "languageCode": "de", "kind": ""},
					map[string]any{"baseUrl": "u-ru", "languageCode": "ru", "kind": ""},
				},
			},
		},
	}
	track, err := pickCaptionTrack(player, []string{"en", "ru"})
	require.NoError(t, err)
	assert.Equal(t, "ru", track.Lang)
}
