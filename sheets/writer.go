package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"spareroom-monitor/models"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	// DefaultSheetName is the tab dispatched ads are appended to
	DefaultSheetName = "Dispatched"

	maxSheetNameLength = 100
)

// Header is the column layout of the audit sheet
var Header = []interface{}{"Sent At", "Run", "Email", "Ad ID", "Title", "Link", "Price", "Bills Included", "Location", "Type", "Availability"}

// Writer appends dispatched ads to a Google Sheets audit log
type Writer struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zap.Logger
}

// NewWriter creates a new Google Sheets writer appending to the sheetName tab.
// credentials is either a path to a service account file or the JSON itself.
func NewWriter(ctx context.Context, spreadsheetURL, sheetName, credentials string, logger *zap.Logger) (*Writer, error) {
	spreadsheetID := ExtractSpreadsheetID(spreadsheetURL)
	if spreadsheetID == "" {
		return nil, fmt.Errorf("could not extract spreadsheet ID from %q", spreadsheetURL)
	}

	credsJSON, err := loadCredentials(credentials)
	if err != nil {
		return nil, err
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsJSON(credsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return newWriter(service, spreadsheetID, sheetName, logger), nil
}

func newWriter(service *sheets.Service, spreadsheetID, sheetName string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		service:       service,
		spreadsheetID: spreadsheetID,
		sheetName:     sanitizeSheetName(sheetName),
		logger:        logger,
	}
}

// loadCredentials reads service account JSON from a file path or takes it inline
func loadCredentials(credentials string) ([]byte, error) {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return nil, fmt.Errorf("credentials not found: GOOGLE_SHEETS_CREDENTIALS is empty")
	}

	var credsJSON []byte
	if strings.HasPrefix(credentials, "{") {
		credsJSON = []byte(credentials)
	} else {
		data, err := os.ReadFile(credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		credsJSON = data
	}

	// Parse and validate JSON
	var creds map[string]interface{}
	if err := json.Unmarshal(credsJSON, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON (check if JSON is properly formatted): %w", err)
	}

	if creds["type"] != "service_account" {
		return nil, fmt.Errorf("credentials must be a service account JSON file (type: service_account), got type: %v", creds["type"])
	}

	return credsJSON, nil
}

// EnsureHeader writes the header row when the audit sheet is empty
func (w *Writer) EnsureHeader(ctx context.Context) error {
	resp, err := w.service.Spreadsheets.Values.Get(w.spreadsheetID, a1Range(w.sheetName, "A1:A1")).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to read existing data: %w", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{Header},
	}

	_, err = w.service.Spreadsheets.Values.Update(w.spreadsheetID, a1Range(w.sheetName, "A1"), valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.logger.Info("wrote audit sheet header", zap.String("sheet", w.sheetName))
	return nil
}

// AppendNewAds appends one row per ad sent to a subscriber
func (w *Writer) AppendNewAds(ctx context.Context, runID, email string, ads []models.Listing) error {
	if len(ads) == 0 {
		return nil
	}

	valueRange := &sheets.ValueRange{
		Values: BuildRows(time.Now().UTC(), runID, email, ads),
	}

	_, err := w.service.Spreadsheets.Values.Append(w.spreadsheetID, a1Range(w.sheetName, "A1"), valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append to sheets: %w", err)
	}

	w.logger.Debug("appended ads to audit sheet",
		zap.String("email", email),
		zap.Int("ads", len(ads)),
		zap.String("sheet", w.sheetName))
	return nil
}

// BuildRows lays out ads in Header column order
func BuildRows(sentAt time.Time, runID, email string, ads []models.Listing) [][]interface{} {
	values := make([][]interface{}, 0, len(ads))
	for _, ad := range ads {
		values = append(values, []interface{}{
			sentAt.Format(time.RFC3339),
			runID,
			email,
			ad.ID,
			ad.Title,
			ad.URL,
			ad.Price,
			ad.BillsIncluded,
			ad.Location,
			ad.PropertyType,
			ad.Availability,
		})
	}
	return values
}

// sanitizeSheetName removes invalid characters from sheet name
func sanitizeSheetName(name string) string {
	// Google Sheets sheet names cannot contain: / \ ? * [ ]
	invalidChars := []string{"/", "\\", "?", "*", "[", "]"}
	result := name
	for _, char := range invalidChars {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	if result == "" {
		result = DefaultSheetName
	}
	if runes := []rune(result); len(runes) > maxSheetNameLength {
		result = strings.TrimSpace(string(runes[:maxSheetNameLength]))
	}
	return result
}

// a1Range prefixes cells with the quoted sheet name, e.g. 'New Ads'!A1
func a1Range(sheetName, cells string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(sheetName, "'", "''"), cells)
}

// ExtractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL.
// A bare ID is returned unchanged.
func ExtractSpreadsheetID(url string) string {
	url = strings.TrimSpace(url)
	if url != "" && !strings.Contains(url, "/") {
		return url
	}

	// Find the ID between /d/ and /edit or ?
	parts := strings.Split(url, "/d/")
	if len(parts) < 2 {
		return ""
	}

	idPart := parts[1]
	if idx := strings.IndexAny(idPart, "/?#"); idx != -1 {
		idPart = idPart[:idx]
	}

	return strings.TrimSpace(idPart)
}
