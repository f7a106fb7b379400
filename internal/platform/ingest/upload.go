package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

const maxUploadMemory = 32 << 20 // 32 MiB held in memory before spilling to temp files

// uploadJSONExport mirrors the original's JSON export shape: parallel arrays
// keyed by item index, plus a metrics list and dataset name.
type uploadJSONExport struct {
	DatasetName string           `json:"dataset_name"`
	Inputs      []any            `json:"inputs"`
	Metadatas   []map[string]any `json:"metadatas"`
	Results     []map[string]any `json:"results"` // per-metric scores, keyed by metric name
	Errors      []string         `json:"errors"`  // "" when the item succeeded
	Metrics     []string         `json:"metrics"`
}

// HandleUpload handles POST /v1/runs:upload — post-hoc ingestion of a
// CSV or JSON export; it creates a run already COMPLETED and populates
// items/scores from the uploaded file. Unsupported extensions return 415
// Unsupported Media Type.
func (s *Service) HandleUpload(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, s.Logger, api.Unauthorized("authentication required"))

		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		api.WriteErrorResponse(w, r, s.Logger, api.BadRequest("failed to parse multipart form: "+err.Error()))

		return
	}

	task := strings.TrimSpace(r.FormValue("task"))
	dataset := strings.TrimSpace(r.FormValue("dataset"))
	model := strings.TrimSpace(r.FormValue("model"))

	if task == "" || dataset == "" {
		api.WriteErrorResponse(w, r, s.Logger, api.BadRequest("task and dataset are required"))

		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		api.WriteErrorResponse(w, r, s.Logger, api.BadRequest("file field is required: "+err.Error()))

		return
	}
	defer file.Close()

	items, scores, metrics, uploadErr := parseUploadFile(header.Filename, file)
	if uploadErr != nil {
		api.WriteErrorResponse(w, r, s.Logger, uploadErr)

		return
	}

	now := time.Now().UTC()

	run := &storage.Run{
		CreatedByUserID: principal.UserID,
		OwnerUserID:     principal.UserID,
		Task:            task,
		Dataset:         dataset,
		Model:           model,
		Metrics:         metrics,
		Status:          storage.RunCompleted,
		StartedAt:       &now,
		EndedAt:         &now,
	}

	created, err := s.Runs.Create(r.Context(), run)
	if err != nil {
		s.Logger.Error("failed to create run from upload", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.Logger, api.InternalServerError("failed to create run"))

		return
	}

	if s.Uploads != nil {
		if err := s.Uploads.InsertUploadedRun(r.Context(), created.ID, items, scores); err != nil {
			s.Logger.Error("failed to persist uploaded items/scores",
				slog.String("run_id", created.ID), slog.String("error", err.Error()))
			api.WriteErrorResponse(w, r, s.Logger, api.InternalServerError("failed to store uploaded data"))

			return
		}
	}

	writeJSON(w, r, s.Logger, http.StatusCreated, createRunResponse{
		RunID:   created.ID,
		LiveURL: fmt.Sprintf("%s/run/%s", strings.TrimRight(s.BaseURL, "/"), created.ID),
	})

	s.Logger.Info("run created from upload", slog.String("run_id", created.ID),
		slog.String("filename", header.Filename), slog.Int("items", len(items)), slog.Int("scores", len(scores)))
}

// parseUploadFile dispatches on file extension to the CSV or JSON parser.
func parseUploadFile(filename string, file multipart.File) ([]*storage.RunItem, []*storage.RunItemScore, []string, *api.ProblemDetail) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return parseJSONUpload(file)
	case ".csv":
		return parseCSVUpload(file)
	default:
		return nil, nil, nil, api.UnsupportedMediaType("unsupported file extension: " + filename)
	}
}

func parseJSONUpload(file multipart.File) ([]*storage.RunItem, []*storage.RunItemScore, []string, *api.ProblemDetail) {
	var export uploadJSONExport

	if err := json.NewDecoder(file).Decode(&export); err != nil {
		return nil, nil, nil, api.BadRequest("invalid JSON export: " + err.Error())
	}

	items := make([]*storage.RunItem, 0, len(export.Inputs))
	scores := make([]*storage.RunItemScore, 0)

	for i, input := range export.Inputs {
		itemID := strconv.Itoa(i)

		item := &storage.RunItem{
			ItemID: itemID,
			Index:  i,
			Input:  input,
		}

		if i < len(export.Metadatas) {
			item.ItemMetadata = export.Metadatas[i]
		}

		if i < len(export.Errors) && export.Errors[i] != "" {
			item.Error = export.Errors[i]
		}

		items = append(items, item)

		if i < len(export.Results) {
			for metric, value := range export.Results[i] {
				scores = append(scores, scoreFromJSONValue(itemID, metric, value))
			}
		}
	}

	return items, scores, export.Metrics, nil
}

func scoreFromJSONValue(itemID, metric string, value any) *storage.RunItemScore {
	score := &storage.RunItemScore{ItemID: itemID, MetricName: metric, ScoreRaw: value}

	if num, ok := value.(float64); ok {
		score.ScoreNum = &num
	}

	return score
}

// parseCSVUpload parses the fixed-column CSV convention shared with the
// checkpoint file format: item_id, input, expected_output, output,
// then <metric>_score columns and <metric>__meta__<key> columns.
func parseCSVUpload(file multipart.File) ([]*storage.RunItem, []*storage.RunItemScore, []string, *api.ProblemDetail) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, api.BadRequest("failed to read CSV header: " + err.Error())
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[col] = i
	}

	var metrics []string

	metaCols := make(map[string][2]string) // csv column name -> (metric, key)

	for _, col := range header {
		switch {
		case strings.HasSuffix(col, "_score") && !strings.Contains(col, "__meta__"):
			metrics = append(metrics, strings.TrimSuffix(col, "_score"))
		case strings.Contains(col, "__meta__"):
			parts := strings.SplitN(col, "__meta__", 2)
			if len(parts) == 2 {
				metaCols[col] = [2]string{parts[0], parts[1]}
			}
		}
	}

	var (
		items  []*storage.RunItem
		scores []*storage.RunItemScore
	)

	index := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, nil, nil, api.BadRequest("failed to read CSV row: " + err.Error())
		}

		item, rowScores := parseCSVRow(record, colIndex, metrics, metaCols, index)
		items = append(items, item)
		scores = append(scores, rowScores...)
		index++
	}

	return items, scores, metrics, nil
}

func parseCSVRow(record []string, colIndex map[string]int, metrics []string, metaCols map[string][2]string, index int) (*storage.RunItem, []*storage.RunItemScore) {
	get := func(col string) string {
		if i, ok := colIndex[col]; ok && i < len(record) {
			return record[i]
		}

		return ""
	}

	itemID := get("item_id")
	if itemID == "" {
		itemID = strconv.Itoa(index)
	}

	item := &storage.RunItem{ItemID: itemID, Index: index}

	output := get("output")
	if strings.HasPrefix(output, "ERROR: ") {
		item.Error = strings.TrimPrefix(output, "ERROR: ")
	} else if output != "" {
		item.Output = output
	}

	if input := get("input"); input != "" {
		item.Input = input
	}

	if expected := get("expected_output"); expected != "" {
		item.Expected = expected
	}

	item.TraceID = get("trace_id")

	var scores []*storage.RunItemScore

	for _, metric := range metrics {
		raw := get(metric + "_score")
		if raw == "" {
			continue
		}

		score := &storage.RunItemScore{ItemID: itemID, MetricName: metric, Meta: map[string]any{}}

		if num, err := strconv.ParseFloat(raw, 64); err == nil {
			score.ScoreNum = &num
			score.ScoreRaw = num
		} else {
			score.ScoreRaw = raw
		}

		scores = append(scores, score)
	}

	for col, pair := range metaCols {
		value := get(col)
		if value == "" {
			continue
		}

		for _, score := range scores {
			if score.MetricName == pair[0] {
				score.Meta[pair[1]] = value
			}
		}
	}

	return item, scores
}
