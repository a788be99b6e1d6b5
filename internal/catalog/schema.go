// Package catalog persists projects, their slides and publications in a
// SQLite database. It is the durable record behind the project registry and
// implements the orchestrator's Recorder.
package catalog

// CreateProjectsTableSQL creates the projects table. One row per project
// holds its inputs and the latest lifecycle status.
const CreateProjectsTableSQL = `
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    data_path TEXT NOT NULL,
    schema_path TEXT NOT NULL DEFAULT '',
    plan_path TEXT NOT NULL DEFAULT '',
    template TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateSlidesTableSQL creates the slides table. Rows are stored as JSON so
// the current slide list can be restored exactly.
const CreateSlidesTableSQL = `
CREATE TABLE IF NOT EXISTS slides (
    project_id TEXT NOT NULL,
    slide_number INTEGER NOT NULL,
    title TEXT NOT NULL,
    rows_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    message TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (project_id, slide_number),
    FOREIGN KEY (project_id) REFERENCES projects(project_id)
)`

// CreatePublicationsTableSQL creates the publications table. Compiled tables
// are kept as a snappy-compressed JSON blob next to the artifact address.
const CreatePublicationsTableSQL = `
CREATE TABLE IF NOT EXISTS publications (
    project_id TEXT NOT NULL,
    pass_id TEXT NOT NULL,
    artifact_path TEXT NOT NULL,
    etag TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    tables_blob BLOB NOT NULL,
    published_at INTEGER NOT NULL,
    PRIMARY KEY (project_id, pass_id),
    FOREIGN KEY (project_id) REFERENCES projects(project_id)
)`

// CreateIndexesSQL creates the secondary indexes.
var CreateIndexesSQL = []string{
	// Latest publication lookup
	`CREATE INDEX IF NOT EXISTS idx_publications_latest ON publications(project_id, published_at)`,

	// Project listing in creation order
	`CREATE INDEX IF NOT EXISTS idx_projects_created ON projects(created_at)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateProjectsTableSQL,
		CreateSlidesTableSQL,
		CreatePublicationsTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
