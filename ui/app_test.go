package ui

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurostat/domain/cluster"
	"neurostat/internal"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
	"neurostat/internal/testkit"
)

func newApp(t *testing.T) *App {
	t.Helper()
	logger := internal.NewLogger(internal.LogLevelError)
	kit, err := testkit.NewTestKit()
	require.NoError(t, err)
	defaults := config.EngineConfig{
		Statistic:    "f_oneway",
		Permutations: 20,
		Workers:      2,
		Seed:         5,
		Tail:         1,
		Policy:       string(cluster.PolicyAbsMax),
		MaxStep:      1,
		TPower:       1,
		PThreshold:   0.05,
		ReportAlpha:  0.05,
	}
	app, err := NewApp(Config{Port: "0", Defaults: defaults},
		clustertest.NewService(kit.RNGAdapter(), kit.RunRepository(), logger), logger)
	require.NoError(t, err)
	return app
}

// csvUpload builds a two-condition long-format file with a strong effect
// in condition a at channel 1
func csvUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var rows strings.Builder
	rows.WriteString("condition,trial,time,channel,value\n")
	for _, cond := range []string{"a", "b"} {
		for tr := 0; tr < 6; tr++ {
			for tm := 0; tm < 3; tm++ {
				for ch := 0; ch < 2; ch++ {
					v := float64(tr%3) * 0.1
					if cond == "a" && ch == 1 {
						v += 5
					}
					rows.WriteString(cond + "," + itoa(tr) + "," + itoa(tm) + "," + itoa(ch) + "," + ftoa(v) + "\n")
				}
			}
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "trials.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(rows.String()))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("statistic", "ttest_ind"))
	require.NoError(t, mw.WriteField("n_permutations", "15"))
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestApp_IndexEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	newApp(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No runs yet.")
	assert.Contains(t, rec.Body.String(), `<option value="f_oneway" selected>`)
}

func TestApp_UploadAndBrowse(t *testing.T) {
	app := newApp(t)

	body, contentType := csvUpload(t)
	req := httptest.NewRequest(http.MethodPost, "/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/runs/"))

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, location, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ttest_ind")
	assert.Contains(t, rec.Body.String(), "15 of 15")

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, location+"/report.xlsx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, location+"/report.md", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Cluster test")

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), strings.TrimPrefix(location, "/runs/"))
}

func TestApp_Errors(t *testing.T) {
	app := newApp(t)

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+uuid.NewString()+"/report.pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "trials.txt")
	require.NoError(t, err)
	part.Write([]byte("x"))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/runs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported file type")
}

func itoa(i int) string { return strconv.Itoa(i) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
