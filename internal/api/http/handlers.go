package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/arkilian/tabledeck/internal/catalog"
	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/observability"
	"github.com/arkilian/tabledeck/internal/projects"
	"github.com/arkilian/tabledeck/internal/render"
	"github.com/arkilian/tabledeck/pkg/types"
)

// MaxUploadSize bounds multipart dataset uploads.
const MaxUploadSize = 100 << 20

// Projects is the project registry served by the API.
type Projects interface {
	Create(ctx context.Context, req projects.CreateRequest) (*projects.Project, error)
	Get(projectID string) (*projects.Project, error)
	List() []projects.Info
	Delete(ctx context.Context, projectID string) error
	Analyze(ctx context.Context, projectID string) ([]types.SlideSpec, error)
	StartAnalysis(projectID string) bool
	ApplyEdit(ctx context.Context, projectID string, slideNumber int, rows []types.RowSpec) ([]types.SlideTable, error)
	CompileAll(ctx context.Context, projectID string) ([]types.SlideTable, error)
}

// History reads stored slide and publication records.
type History interface {
	Slides(ctx context.Context, projectID string) ([]catalog.SlideRecord, error)
	ListPublications(ctx context.Context, projectID string, limit int) ([]*types.Publication, error)
}

// DeckLoader reads a rendered deck back from storage.
type DeckLoader interface {
	Load(ctx context.Context, objectPath string) (*render.Deck, error)
}

// Stats reports pass statistics per project.
type Stats interface {
	Project(projectID string) (observability.ProjectStats, bool)
	TopEditedSlides(projectID string, n int) []observability.SlideEdits
}

// Options configures a Handler. Projects is required.
type Options struct {
	Projects  Projects
	History   History
	Decks     DeckLoader
	Stats     Stats
	UploadDir string

	// DatasetDir holds server-side datasets that JSON create requests may
	// name. Paths outside it and UploadDir are refused.
	DatasetDir string

	// PlanDir holds plan files. Plans are referenced by bare name or by a
	// path inside PlanDir.
	PlanDir string
}

// Handler serves the REST API.
type Handler struct {
	opts Options
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts}
}

// ProjectResponse is the detail view of one project.
type ProjectResponse struct {
	projects.Info
	Slides    []SlideView        `json:"slides"`
	Published *types.Publication `json:"published,omitempty"`
	LastSeq   uint64             `json:"last_seq"`
}

// SlideView is a slide with its last compilation status.
type SlideView struct {
	types.SlideSpec
	Status  types.SlideStatus `json:"status,omitempty"`
	Message string            `json:"message,omitempty"`
}

// EditRequest is the body of PUT /v1/projects/{id}/slides/{n}. A bare JSON
// array of rows is accepted as well.
type EditRequest struct {
	Rows []types.RowSpec `json:"rows"`
}

// TablesResponse carries the tables of one pass.
type TablesResponse struct {
	ProjectID string             `json:"project_id"`
	PassID    string             `json:"pass_id,omitempty"`
	Tables    []types.SlideTable `json:"tables"`
	Artifact  *types.Artifact    `json:"artifact,omitempty"`
}

// StatsResponse is the body of GET /v1/projects/{id}/stats.
type StatsResponse struct {
	observability.ProjectStats
	AvgDurationMs int64                      `json:"avg_duration_ms"`
	TopEdited     []observability.SlideEdits `json:"top_edited"`
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/v1/projects", func(r chi.Router) {
		r.Get("/", h.ListProjects)
		r.Post("/", h.CreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Delete("/", h.DeleteProject)
			r.Post("/analyze", h.Analyze)
			r.Post("/regenerate", h.Regenerate)
			r.Put("/slides/{slideNumber}", h.EditSlide)
			r.Get("/tables", h.Tables)
			r.Get("/deck", h.Deck)
			r.Get("/stats", h.Stats)
			r.Get("/publications", h.Publications)
		})
	})
}

// NewRouter builds the HTTP router with CORS and the default middleware.
// Extra routes, such as the websocket channel, are mounted through mounts.
func NewRouter(h *Handler, allowedOrigins []string, mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(DefaultMiddleware())
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	h.RegisterRoutes(r)
	for _, mount := range mounts {
		mount(r)
	}
	return r
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"projects": len(h.opts.Projects.List()),
	})
}

// ListProjects handles GET /v1/projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": h.opts.Projects.List(),
	})
}

// CreateProject handles POST /v1/projects. The body is either a JSON
// CreateRequest naming files under the dataset or upload directory, or a
// multipart form with a "file" CSV upload and optional "schema" file.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req projects.CreateRequest
	var uploadDir string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		req, uploadDir, err = h.saveUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
		if err := h.confineDataPaths(&req); err != nil {
			writeDeckError(w, r, err)
			return
		}
	}
	if err := h.checkPlanRef(req.PlanPath); err != nil {
		removeUpload(uploadDir)
		writeDeckError(w, r, err)
		return
	}

	p, err := h.opts.Projects.Create(r.Context(), req)
	if err != nil {
		removeUpload(uploadDir)
		writeDeckError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Info())
}

// confineDataPaths rewrites the dataset and schema paths of a JSON request
// to absolute paths and refuses any that leave the dataset or upload
// directory.
func (h *Handler) confineDataPaths(req *projects.CreateRequest) error {
	var roots []string
	for _, dir := range []string{h.opts.DatasetDir, h.opts.UploadDir} {
		if dir != "" {
			roots = append(roots, dir)
		}
	}
	if len(roots) == 0 {
		return deckerrors.NewValidationError(deckerrors.CodeInvalidDataset,
			"server-side dataset paths are disabled; upload the file instead")
	}
	if strings.TrimSpace(req.DataPath) == "" {
		return deckerrors.NewValidationError(deckerrors.CodeInvalidDataset, "data_path is required")
	}
	data, ok := confine(req.DataPath, roots)
	if !ok {
		return deckerrors.NewValidationError(deckerrors.CodeInvalidDataset,
			fmt.Sprintf("data_path %q is outside the dataset directory", req.DataPath))
	}
	req.DataPath = data
	if req.SchemaPath != "" {
		schema, ok := confine(req.SchemaPath, roots)
		if !ok {
			return deckerrors.NewValidationError(deckerrors.CodeInvalidDataset,
				fmt.Sprintf("schema_path %q is outside the dataset directory", req.SchemaPath))
		}
		req.SchemaPath = schema
	}
	return nil
}

// checkPlanRef accepts a bare plan name or a path inside PlanDir.
func (h *Handler) checkPlanRef(ref string) error {
	if ref == "" {
		return nil
	}
	if !filepath.IsAbs(ref) && !strings.ContainsAny(ref, `/\`) && ref != ".." && ref != "." {
		return nil
	}
	if h.opts.PlanDir != "" {
		if _, ok := confine(ref, []string{h.opts.PlanDir}); ok {
			return nil
		}
	}
	return deckerrors.NewValidationError(deckerrors.CodeInvalidRowSpec,
		fmt.Sprintf("plan %q must be a plan name or a file in the plan directory", ref))
}

// confine resolves path against roots and reports the absolute path when it
// stays inside one of them. Relative paths are taken relative to the first
// root. Symlinks are followed so a link cannot point outside.
func confine(path string, roots []string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(roots[0], path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	resolved := resolveLinks(abs)
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(resolveLinks(rootAbs), resolved)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return abs, true
	}
	return "", false
}

// resolveLinks follows symlinks of the longest existing prefix of path.
func resolveLinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path
	}
	return filepath.Join(resolveLinks(parent), filepath.Base(path))
}

func removeUpload(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[WARN] http: failed to remove upload %s: %v", dir, err)
	}
}

// saveUpload stores the uploaded files in a fresh directory under UploadDir
// and returns the request plus that directory. The directory is removed
// when saving fails.
func (h *Handler) saveUpload(r *http.Request) (req projects.CreateRequest, dir string, err error) {
	if h.opts.UploadDir == "" {
		return req, "", fmt.Errorf("uploads are disabled")
	}
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		return req, "", fmt.Errorf("invalid upload: %v", err)
	}

	dir = filepath.Join(h.opts.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return req, "", fmt.Errorf("failed to create upload directory: %v", err)
	}
	defer func() {
		if err != nil {
			removeUpload(dir)
			dir = ""
		}
	}()

	dataPath, name, err := saveFormFile(r, "file", dir, ".csv")
	if err != nil {
		return req, dir, err
	}
	req.DataPath = dataPath
	req.Name = strings.TrimSuffix(name, filepath.Ext(name))

	if r.MultipartForm != nil && len(r.MultipartForm.File["schema"]) > 0 {
		schemaPath, _, err := saveFormFile(r, "schema", dir, "")
		if err != nil {
			return req, dir, err
		}
		req.SchemaPath = schemaPath
	}

	if v := r.FormValue("name"); v != "" {
		req.Name = v
	}
	req.PlanPath = r.FormValue("plan")
	req.Template = r.FormValue("template")
	req.Auto, _ = strconv.ParseBool(r.FormValue("auto"))
	return req, dir, nil
}

func saveFormFile(r *http.Request, field, dir, wantExt string) (string, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", fmt.Errorf("missing %s upload", field)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if wantExt != "" && !strings.EqualFold(filepath.Ext(name), wantExt) {
		return "", "", fmt.Errorf("%s must be a %s file", field, wantExt)
	}
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to save %s: %v", field, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return "", "", fmt.Errorf("failed to save %s: %v", field, err)
	}
	return path, name, nil
}

// GetProject handles GET /v1/projects/{projectID}.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	snap := p.Orch.Snapshot()
	resp := ProjectResponse{
		Info:      p.Info(),
		Published: snap.Published,
		LastSeq:   snap.LastSeq,
		Slides:    make([]SlideView, 0, len(snap.Slides)),
	}

	statuses := map[int]catalog.SlideRecord{}
	if h.opts.History != nil {
		recs, err := h.opts.History.Slides(r.Context(), p.Record.ProjectID)
		if err != nil {
			writeDeckError(w, r, err)
			return
		}
		for _, rec := range recs {
			statuses[rec.Spec.Number] = rec
		}
	}
	for _, s := range snap.Slides {
		view := SlideView{SlideSpec: s}
		if rec, ok := statuses[s.Number]; ok {
			view.Status, view.Message = rec.Status, rec.Message
		}
		resp.Slides = append(resp.Slides, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteProject handles DELETE /v1/projects/{projectID}.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Projects.Delete(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		writeDeckError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Analyze handles POST /v1/projects/{projectID}/analyze. With ?wait=true it
// blocks until the first publication; otherwise analysis runs in the
// background and progress is reported on the websocket channel.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	id := p.Record.ProjectID

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		slides, err := h.opts.Projects.Analyze(r.Context(), id)
		if err != nil {
			writeDeckError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"project_id": id,
			"slides":     slides,
		})
		return
	}

	if !h.opts.Projects.StartAnalysis(id) {
		writeDeckError(w, r, deckerrors.NewProjectError(deckerrors.CodeInvalidTransition,
			fmt.Sprintf("project %s is %s, analysis requires %s", id, p.Orch.Status(), types.StatusInitialized)))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"project_id": id,
		"status":     types.StatusAnalyzing,
	})
}

// Regenerate handles POST /v1/projects/{projectID}/regenerate.
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	tables, err := h.opts.Projects.CompileAll(r.Context(), id)
	if err != nil {
		writeDeckError(w, r, err)
		return
	}
	h.writeTables(w, id, tables)
}

// EditSlide handles PUT /v1/projects/{projectID}/slides/{slideNumber}.
func (h *Handler) EditSlide(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	id := chi.URLParam(r, "projectID")

	n, err := strconv.Atoi(chi.URLParam(r, "slideNumber"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "slide number must be a positive integer", requestID)
		return
	}
	rows, err := decodeRows(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	tables, err := h.opts.Projects.ApplyEdit(r.Context(), id, n, rows)
	if err != nil {
		writeDeckError(w, r, err)
		return
	}
	h.writeTables(w, id, tables)
}

func decodeRows(body io.Reader) ([]types.RowSpec, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if data[0] == '[' {
		var rows []types.RowSpec
		err := json.Unmarshal(data, &rows)
		return rows, err
	}
	var req EditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return req.Rows, nil
}

// Tables handles GET /v1/projects/{projectID}/tables.
func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	pub := p.Orch.Published()
	if pub == nil {
		writeError(w, http.StatusNotFound, "no tables published yet", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, TablesResponse{
		ProjectID: p.Record.ProjectID,
		PassID:    pub.PassID,
		Tables:    pub.Tables,
		Artifact:  &pub.Artifact,
	})
}

// Deck handles GET /v1/projects/{projectID}/deck.
func (h *Handler) Deck(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	pub := p.Orch.Published()
	if pub == nil || h.opts.Decks == nil {
		writeError(w, http.StatusNotFound, "no deck published yet", GetRequestID(r.Context()))
		return
	}
	deck, err := h.opts.Decks.Load(r.Context(), pub.Artifact.Path)
	if err != nil {
		writeDeckError(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+pub.Artifact.Fingerprint+`"`)
	writeJSON(w, http.StatusOK, deck)
}

// Stats handles GET /v1/projects/{projectID}/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	id := p.Record.ProjectID
	resp := StatsResponse{ProjectStats: observability.ProjectStats{ProjectID: id}}
	if h.opts.Stats != nil {
		if st, ok := h.opts.Stats.Project(id); ok {
			resp.ProjectStats = st
			resp.AvgDurationMs = st.AvgDuration().Milliseconds()
		}
		resp.TopEdited = h.opts.Stats.TopEditedSlides(id, 5)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Publications handles GET /v1/projects/{projectID}/publications?limit=n.
func (h *Handler) Publications(w http.ResponseWriter, r *http.Request) {
	p, ok := h.project(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", GetRequestID(r.Context()))
			return
		}
		limit = n
	}
	var pubs []*types.Publication
	if h.opts.History != nil {
		var err error
		pubs, err = h.opts.History.ListPublications(r.Context(), p.Record.ProjectID, limit)
		if err != nil {
			writeDeckError(w, r, err)
			return
		}
	}
	if pubs == nil {
		pubs = []*types.Publication{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id":   p.Record.ProjectID,
		"publications": pubs,
	})
}

func (h *Handler) project(w http.ResponseWriter, r *http.Request) (*projects.Project, bool) {
	p, err := h.opts.Projects.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		writeDeckError(w, r, err)
		return nil, false
	}
	return p, true
}

func (h *Handler) writeTables(w http.ResponseWriter, projectID string, tables []types.SlideTable) {
	resp := TablesResponse{ProjectID: projectID, Tables: tables}
	if p, err := h.opts.Projects.Get(projectID); err == nil {
		if pub := p.Orch.Published(); pub != nil {
			resp.PassID = pub.PassID
			resp.Artifact = &pub.Artifact
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
