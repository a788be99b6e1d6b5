package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// ProjectRecord is the stored description of a project.
type ProjectRecord struct {
	ProjectID  string       `json:"project_id"`
	Name       string       `json:"name"`
	DataPath   string       `json:"data_path"`
	SchemaPath string       `json:"schema_path,omitempty"`
	PlanPath   string       `json:"plan_path,omitempty"`
	Template   string       `json:"template,omitempty"`
	Status     types.Status `json:"status"`
	Message    string       `json:"message,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// SlideRecord is a stored slide with its last compilation status.
type SlideRecord struct {
	Spec      types.SlideSpec   `json:"spec"`
	Status    types.SlideStatus `json:"status"`
	Message   string            `json:"message,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SQLiteCatalog stores projects in SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
	now    func() time.Time
}

// NewCatalog opens or creates the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	catalog := &SQLiteCatalog{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}
	if err := catalog.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	catalog.readDB = readDB

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateProject inserts a new project.
func (c *SQLiteCatalog) CreateProject(ctx context.Context, p *ProjectRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = types.StatusInitialized
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO projects (
			project_id, name, data_path, schema_path, plan_path, template,
			status, message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Name, p.DataPath, p.SchemaPath, p.PlanPath, p.Template,
		string(p.Status), p.Message, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to insert project %s: %w", p.ProjectID, err)
	}
	return nil
}

const projectColumns = `project_id, name, data_path, schema_path, plan_path, template,
	status, message, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*ProjectRecord, error) {
	var p ProjectRecord
	var status string
	var created, updated int64
	if err := row.Scan(&p.ProjectID, &p.Name, &p.DataPath, &p.SchemaPath, &p.PlanPath,
		&p.Template, &status, &p.Message, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = types.Status(status)
	p.CreatedAt = time.Unix(0, created)
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}

// GetProject returns one project.
func (c *SQLiteCatalog) GetProject(ctx context.Context, projectID string) (*ProjectRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE project_id = ?", projectID)
	p, err := scanProject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(projectID)
		}
		return nil, fmt.Errorf("catalog: failed to get project %s: %w", projectID, err)
	}
	return p, nil
}

// ListProjects returns every project in creation order.
func (c *SQLiteCatalog) ListProjects(ctx context.Context) ([]*ProjectRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects ORDER BY created_at ASC, project_id ASC")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*ProjectRecord
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project with its slides and publications.
func (c *SQLiteCatalog) DeleteProject(ctx context.Context, projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM publications WHERE project_id = ?",
		"DELETE FROM slides WHERE project_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, projectID); err != nil {
			return fmt.Errorf("catalog: failed to delete project %s: %w", projectID, err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE project_id = ?", projectID)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete project %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(projectID)
	}
	return tx.Commit()
}

// SaveStatus records the latest lifecycle status of a project.
func (c *SQLiteCatalog) SaveStatus(ctx context.Context, projectID string, status types.Status, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		"UPDATE projects SET status = ?, message = ?, updated_at = ? WHERE project_id = ?",
		string(status), message, c.now().UnixNano(), projectID)
	if err != nil {
		return fmt.Errorf("catalog: failed to save status of %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(projectID)
	}
	return nil
}

// SaveSlides replaces the slide list of a project. Every saved slide starts
// out pending until its next compilation.
func (c *SQLiteCatalog) SaveSlides(ctx context.Context, projectID string, slides []types.SlideSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM slides WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("catalog: failed to clear slides of %s: %w", projectID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slides (project_id, slide_number, title, rows_json, status, message, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?)`)
	if err != nil {
		return fmt.Errorf("catalog: failed to prepare slide insert: %w", err)
	}
	defer stmt.Close()

	now := c.now().UnixNano()
	for _, s := range slides {
		rowsJSON, err := json.Marshal(s.Rows)
		if err != nil {
			return fmt.Errorf("catalog: failed to marshal rows of slide %d: %w", s.Number, err)
		}
		if _, err := stmt.ExecContext(ctx, projectID, s.Number, s.Title, string(rowsJSON),
			string(types.SlidePending), now); err != nil {
			return fmt.Errorf("catalog: failed to insert slide %d: %w", s.Number, err)
		}
	}
	return tx.Commit()
}

// SaveSlideStatus records the compilation status of one slide.
func (c *SQLiteCatalog) SaveSlideStatus(ctx context.Context, projectID string, slideNumber int, status types.SlideStatus, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		"UPDATE slides SET status = ?, message = ?, updated_at = ? WHERE project_id = ? AND slide_number = ?",
		string(status), message, c.now().UnixNano(), projectID, slideNumber)
	if err != nil {
		return fmt.Errorf("catalog: failed to save status of slide %d: %w", slideNumber, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return deckerrors.New(deckerrors.ErrCategoryProject, deckerrors.CodeUnknownSlide,
			fmt.Sprintf("project %s has no slide %d", projectID, slideNumber))
	}
	return nil
}

// Slides returns the stored slides of a project ordered by slide number.
func (c *SQLiteCatalog) Slides(ctx context.Context, projectID string) ([]SlideRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT slide_number, title, rows_json, status, message, updated_at
		FROM slides WHERE project_id = ? ORDER BY slide_number ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query slides: %w", err)
	}
	defer rows.Close()

	var out []SlideRecord
	for rows.Next() {
		var rec SlideRecord
		var rowsJSON, status string
		var updated int64
		if err := rows.Scan(&rec.Spec.Number, &rec.Spec.Title, &rowsJSON, &status, &rec.Message, &updated); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan slide: %w", err)
		}
		if err := json.Unmarshal([]byte(rowsJSON), &rec.Spec.Rows); err != nil {
			return nil, fmt.Errorf("catalog: failed to unmarshal rows of slide %d: %w", rec.Spec.Number, err)
		}
		rec.Status = types.SlideStatus(status)
		rec.UpdatedAt = time.Unix(0, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SavePublication records a successful publication.
func (c *SQLiteCatalog) SavePublication(ctx context.Context, projectID string, pub *types.Publication) error {
	tablesJSON, err := json.Marshal(pub.Tables)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal tables: %w", err)
	}
	blob := snappy.Encode(nil, tablesJSON)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO publications (
			project_id, pass_id, artifact_path, etag, fingerprint, size_bytes,
			tables_blob, published_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, pub.PassID, pub.Artifact.Path, pub.Artifact.ETag, pub.Artifact.Fingerprint,
		pub.Artifact.Size, blob, pub.PublishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to insert publication %s: %w", pub.PassID, err)
	}
	return nil
}

// LatestPublication returns the most recent publication of a project with
// its tables, or nil when the project has never published.
func (c *SQLiteCatalog) LatestPublication(ctx context.Context, projectID string) (*types.Publication, error) {
	var pub types.Publication
	var blob []byte
	var published int64
	err := c.readDB.QueryRowContext(ctx, `
		SELECT pass_id, artifact_path, etag, fingerprint, size_bytes, tables_blob, published_at
		FROM publications WHERE project_id = ?
		ORDER BY published_at DESC, rowid DESC LIMIT 1`, projectID,
	).Scan(&pub.PassID, &pub.Artifact.Path, &pub.Artifact.ETag, &pub.Artifact.Fingerprint,
		&pub.Artifact.Size, &blob, &published)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: failed to get latest publication: %w", err)
	}

	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to decompress tables: %w", err)
	}
	if err := json.Unmarshal(raw, &pub.Tables); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal tables: %w", err)
	}
	pub.PublishedAt = time.Unix(0, published)
	return &pub, nil
}

// ListPublications returns the publication history of a project, newest
// first, without tables.
func (c *SQLiteCatalog) ListPublications(ctx context.Context, projectID string, limit int) ([]*types.Publication, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT pass_id, artifact_path, etag, fingerprint, size_bytes, published_at
		FROM publications WHERE project_id = ?
		ORDER BY published_at DESC, rowid DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list publications: %w", err)
	}
	defer rows.Close()

	var out []*types.Publication
	for rows.Next() {
		var pub types.Publication
		var published int64
		if err := rows.Scan(&pub.PassID, &pub.Artifact.Path, &pub.Artifact.ETag,
			&pub.Artifact.Fingerprint, &pub.Artifact.Size, &published); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan publication: %w", err)
		}
		pub.PublishedAt = time.Unix(0, published)
		out = append(out, &pub)
	}
	return out, rows.Err()
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func notFound(projectID string) error {
	return deckerrors.New(deckerrors.ErrCategoryProject, deckerrors.CodeProjectNotFound,
		fmt.Sprintf("project %s not found", projectID))
}
