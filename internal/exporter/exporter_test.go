package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/option"

	"playguard/internal/config"
	"playguard/internal/errors"
	"playguard/internal/license"
	"playguard/internal/shared/testutil"
)

func sampleViolations() []license.ComplianceViolation {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	return []license.ComplianceViolation{
		{
			ID:          "v-1",
			Type:        license.ViolationLicenseExpired,
			Severity:    license.SeverityHigh,
			TrackID:     "track-1",
			UserID:      "user-1",
			DeviceID:    "device-1",
			Timestamp:   ts,
			Description: "license expired",
			Metadata:    map[string]interface{}{"region": "US", "attempt": 2},
		},
		{
			ID:          "v-2",
			Type:        license.ViolationRegionBlocked,
			Severity:    license.SeverityMedium,
			TrackID:     "track-2",
			Timestamp:   ts.Add(time.Minute),
			Description: "playback, not allowed in \"FR\"",
		},
	}
}

func TestViolationRow(t *testing.T) {
	vs := sampleViolations()

	row := ViolationRow(vs[0])
	require.Len(t, row, len(ViolationHeaders))
	assert.Equal(t, "v-1", row[0])
	assert.Equal(t, "2024-03-01T12:30:00Z", row[1])
	assert.Equal(t, string(license.ViolationLicenseExpired), row[2])
	assert.Equal(t, `{"attempt":2,"region":"US"}`, row[8])

	assert.Equal(t, "", ViolationRow(vs[1])[8])
	assert.Equal(t, "", ViolationRow(license.ComplianceViolation{})[1])
}

func TestWriteViolationsCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteViolationsCSV(&buf, sampleViolations()))

	data := buf.Bytes()
	require.True(t, bytes.HasPrefix(data, utf8BOM))

	records, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ViolationHeaders, records[0])
	assert.Equal(t, "v-1", records[1][0])
	assert.Equal(t, `playback, not allowed in "FR"`, records[2][7])
}

func TestWriteViolationsCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteViolationsCSV(&buf, nil))

	records, err := csv.NewReader(bytes.NewReader(buf.Bytes()[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{ViolationHeaders}, records)
}

func TestWriteCSVAppendSkipsHeaderAndBOM(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, WriteOptions{
		Headers:   []string{"a", "b"},
		Records:   [][]string{{"1", "2"}},
		Append:    true,
		BOMPrefix: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "1,2\n", buf.String())
}

func TestCSVArchiver(t *testing.T) {
	dir := t.TempDir()
	logger, _ := testutil.NewTestLogger(t)

	archiver := NewCSVArchiver(filepath.Join(dir, "archive"), logger)
	archiver.now = func() time.Time { return time.Date(2024, 3, 2, 23, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	vs := sampleViolations()
	require.NoError(t, archiver.Archive(ctx, vs[:1]))
	require.NoError(t, archiver.Archive(ctx, vs[1:]))
	require.NoError(t, archiver.Archive(ctx, nil))

	path := archiver.Path()
	assert.Equal(t, filepath.Join(dir, "archive", "violations-2024-03-02.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, utf8BOM))
	assert.Equal(t, 1, bytes.Count(data, utf8BOM))

	records, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ViolationHeaders, records[0])
	assert.Equal(t, "v-1", records[1][0])
	assert.Equal(t, "v-2", records[2][0])
}

func TestWriteViolationsXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteViolationsXLSX(&buf, sampleViolations()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ViolationsSheet}, f.GetSheetList())

	rows, err := f.GetRows(ViolationsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ViolationHeaders, rows[0])
	assert.Equal(t, "v-2", rows[2][0])
	assert.Equal(t, "track-2", rows[2][4])
}

type sheetsRequest struct {
	path  string
	query string
	body  struct {
		Values [][]string `json:"values"`
	}
}

func newSheetsServer(t *testing.T, status int) (*httptest.Server, func() []sheetsRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []sheetsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := sheetsRequest{path: r.URL.Path, query: r.URL.RawQuery}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req.body)

		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []sheetsRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]sheetsRequest(nil), requests...)
	}
}

func newTestSheetsArchiver(t *testing.T, srv *httptest.Server) *SheetsArchiver {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	archiver, err := NewSheetsArchiver(context.Background(), config.AuditConfig{
		SpreadsheetID: "sheet-123",
		SheetName:     "Audit",
	}, logger,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return archiver
}

func TestSheetsArchiverAppendsRows(t *testing.T) {
	srv, requests := newSheetsServer(t, http.StatusOK)
	archiver := newTestSheetsArchiver(t, srv)

	require.NoError(t, archiver.Archive(context.Background(), sampleViolations()))

	got := requests()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].path, "/v4/spreadsheets/sheet-123/values/Audit"))
	assert.True(t, strings.HasSuffix(got[0].path, ":append"))
	assert.Contains(t, got[0].query, "valueInputOption=RAW")
	require.Len(t, got[0].body.Values, 2)
	assert.Equal(t, "v-1", got[0].body.Values[0][0])
	assert.Equal(t, "sheets:sheet-123/Audit", archiver.String())
}

func TestSheetsArchiverSkipsEmptyBatch(t *testing.T) {
	srv, requests := newSheetsServer(t, http.StatusOK)
	archiver := newTestSheetsArchiver(t, srv)

	require.NoError(t, archiver.Archive(context.Background(), nil))
	assert.Empty(t, requests())
}

func TestSheetsArchiverFailure(t *testing.T) {
	srv, _ := newSheetsServer(t, http.StatusForbidden)
	archiver := newTestSheetsArchiver(t, srv)

	err := archiver.Archive(context.Background(), sampleViolations())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeStorage))
}

func TestNewSheetsArchiverRequiresSpreadsheet(t *testing.T) {
	_, err := NewSheetsArchiver(context.Background(), config.AuditConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}
